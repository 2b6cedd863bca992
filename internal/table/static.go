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

package table

import (
	"context"
	"strings"
)

// Static is a table with entries listed in the configuration. Values
// containing commas are treated as lists by LookupMulti.
type Static struct {
	m map[string][]string
}

func NewStatic(entries map[string]string) *Static {
	s := &Static{m: make(map[string][]string, len(entries))}
	for k, v := range entries {
		s.m[k] = splitValues(v)
	}
	return s
}

func splitValues(v string) []string {
	parts := strings.Split(v, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		res = append(res, strings.TrimSpace(p))
	}
	return res
}

func (s *Static) Lookup(_ context.Context, key string) (string, bool, error) {
	val := s.m[key]
	if len(val) == 0 {
		return "", false, nil
	}
	return val[0], true, nil
}

func (s *Static) LookupMulti(_ context.Context, key string) ([]string, error) {
	return s.m[key], nil
}
