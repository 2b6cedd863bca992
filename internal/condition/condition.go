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

// Package condition implements the built-in routing conditions.
//
// Conditions are registered in the module registry by name and created by
// the router builder from rules like
//
//	match = "RecipientIs=alice@example.org,bob@example.org"
//
// Most conditions are evaluated for each recipient separately. Conditions
// looking only at the sender or the message either match all recipients or
// none.
package condition

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// rcptFunc adapts a per-recipient predicate to module.Condition.
type rcptFunc func(ctx context.Context, m *mail.Mail, rcpt string) (bool, error)

func (f rcptFunc) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	matched := make([]string, 0, len(m.Rcpts))
	for _, rcpt := range m.Rcpts {
		ok, err := f(ctx, m, rcpt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rcpt, err)
		}
		if ok {
			matched = append(matched, rcpt)
		}
	}
	return matched, nil
}

// mailFunc adapts a predicate over the whole mail to module.Condition.
type mailFunc func(ctx context.Context, m *mail.Mail) (bool, error)

func (f mailFunc) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	ok, err := f(ctx, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return m.Rcpts, nil
}

// splitList splits a comma-separated argument, dropping empty items.
func splitList(arg string) []string {
	var res []string
	for _, item := range strings.Split(arg, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			res = append(res, item)
		}
	}
	return res
}

// listArg returns the items of the inline argument or, if it is empty, of
// the named parameter.
func listArg(s module.Spec, param string) ([]string, error) {
	if s.Arg != "" {
		if len(s.Params) != 0 {
			return nil, fmt.Errorf("%s: inline argument and params are mutually exclusive", s.Name)
		}
		return splitList(s.Arg), nil
	}

	for key := range s.Params {
		if key != param {
			return nil, fmt.Errorf("%s: unknown parameter: %s", s.Name, key)
		}
	}
	var out struct {
		Items []string `mapstructure:"items"`
	}
	if err := config.DecodeParams(map[string]interface{}{"items": s.Params[param]}, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("%s: at least one value is required", s.Name)
	}
	return out.Items, nil
}

func noArgs(s module.Spec) error {
	if s.Arg != "" || len(s.Params) != 0 {
		return fmt.Errorf("%s: no arguments expected", s.Name)
	}
	return nil
}

func init() {
	module.RegisterCondition("All", func(s module.Spec) (module.Condition, error) {
		if err := noArgs(s); err != nil {
			return nil, err
		}
		return mailFunc(func(context.Context, *mail.Mail) (bool, error) { return true, nil }), nil
	})
	module.RegisterCondition("None", func(s module.Spec) (module.Condition, error) {
		if err := noArgs(s); err != nil {
			return nil, err
		}
		return mailFunc(func(context.Context, *mail.Mail) (bool, error) { return false, nil }), nil
	})
}
