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

package condition

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

type headerCheck struct {
	name     string
	value    string
	anyValue bool
}

func (c headerCheck) ok(h textproto.Header) bool {
	fields := h.FieldsByKey(c.name)
	for fields.Next() {
		if c.anyValue {
			return true
		}
		if strings.TrimSpace(fields.Value()) == c.value {
			return true
		}
	}
	return false
}

// newHasHeader parses "Name" or "Name=value" checks joined with "+". All
// checks must pass.
func newHasHeader(s module.Spec) (module.Condition, error) {
	if s.Arg == "" {
		return nil, fmt.Errorf("%s: header name required", s.Name)
	}

	var checks []headerCheck
	for _, part := range strings.Split(s.Arg, "+") {
		name, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%s: empty header name", s.Name)
		}
		checks = append(checks, headerCheck{
			name:     name,
			value:    strings.TrimSpace(value),
			anyValue: !hasValue,
		})
	}

	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		for _, c := range checks {
			if !c.ok(m.Header) {
				return false, nil
			}
		}
		return true, nil
	}), nil
}

func newHeaderMatches(s module.Spec) (module.Condition, error) {
	var params struct {
		Header          string `mapstructure:"header"`
		Regex           string `mapstructure:"regex"`
		CaseInsensitive bool   `mapstructure:"case_insensitive"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		params.Header = s.Arg
	}
	if params.Header == "" || params.Regex == "" {
		return nil, fmt.Errorf("%s: header and regex are required", s.Name)
	}
	expr := params.Regex
	if params.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		fields := m.Header.FieldsByKey(params.Header)
		for fields.Next() {
			if re.MatchString(fields.Value()) {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

func newHasAttribute(s module.Spec) (module.Condition, error) {
	if s.Arg == "" {
		return nil, fmt.Errorf("%s: attribute name required", s.Name)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		_, ok := m.Attr(s.Arg)
		return ok, nil
	}), nil
}

// newHasAttributeWithValue matches if the attribute formatted with
// fmt.Sprint equals the value: "HasAttributeWithValue=name, value".
func newHasAttributeWithValue(s module.Spec) (module.Condition, error) {
	name, value, ok := strings.Cut(s.Arg, ",")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: expected name and value separated by a comma", s.Name)
	}
	value = strings.TrimSpace(value)

	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		v, ok := m.Attr(name)
		if !ok {
			return false, nil
		}
		return fmt.Sprint(v) == value, nil
	}), nil
}

func newSizeGreaterThan(s module.Spec) (module.Condition, error) {
	limit, err := config.ParseDataSize(strings.ToUpper(s.Arg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		return m.Size() > limit, nil
	}), nil
}

// newRelayLimit matches mail that passed through at least n hosts, judged by
// the count of Received header fields.
func newRelayLimit(s module.Spec) (module.Condition, error) {
	limit, err := strconv.Atoi(strings.TrimSpace(s.Arg))
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("%s: positive number required", s.Name)
	}
	return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
		count := 0
		fields := m.Header.FieldsByKey("Received")
		for fields.Next() {
			count++
		}
		return count >= limit, nil
	}), nil
}

func init() {
	module.RegisterCondition("HasHeader", newHasHeader)
	module.RegisterCondition("HeaderMatches", newHeaderMatches)
	module.RegisterCondition("HasAttribute", newHasAttribute)
	module.RegisterCondition("HasAttributeWithValue", newHasAttributeWithValue)
	module.RegisterCondition("SizeGreaterThan", newSizeGreaterThan)
	module.RegisterCondition("RelayLimit", newRelayLimit)
}
