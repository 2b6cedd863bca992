/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DataSize is a byte count written as "10M", "512K" or "1G 512M" in the
// configuration.
type DataSize int64

var (
	dataSizeType = reflect.TypeOf(DataSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

func dataSizeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != dataSizeType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		size, err := ParseDataSize(data.(string))
		if err != nil {
			return nil, err
		}
		return DataSize(size), nil
	case reflect.Int, reflect.Int64, reflect.Int32:
		return DataSize(reflect.ValueOf(data).Int()), nil
	}
	return data, nil
}

func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType || from.Kind() != reflect.String {
		return data, nil
	}
	return time.ParseDuration(data.(string))
}

// DecodeParams decodes the params table of a rule into out, which must be a
// pointer to a struct with `mapstructure` tags.
//
// Scalars are converted weakly ("10" -> 10, "true" -> true), strings are
// split on commas into slices, unknown keys are an error.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			dataSizeHook,
			durationHook,
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}
