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

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

type and []module.Condition

func (c and) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	res := m.Rcpts
	for _, child := range c {
		matched, err := child.Match(ctx, m)
		if err != nil {
			return nil, err
		}
		res = mail.Intersect(res, matched)
		if len(res) == 0 {
			return nil, nil
		}
	}
	return res, nil
}

type or []module.Condition

func (c or) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	var all []string
	for _, child := range c {
		matched, err := child.Match(ctx, m)
		if err != nil {
			return nil, err
		}
		all = append(all, matched...)
	}
	return mail.Intersect(m.Rcpts, all), nil
}

// xor matches recipients matched by an odd number of operands.
type xor []module.Condition

func (c xor) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	counts := make(map[string]int, len(m.Rcpts))
	for _, child := range c {
		matched, err := child.Match(ctx, m)
		if err != nil {
			return nil, err
		}
		for _, rcpt := range mail.Intersect(m.Rcpts, matched) {
			counts[rcpt]++
		}
	}

	var res []string
	for _, rcpt := range m.Rcpts {
		if counts[rcpt]%2 == 1 {
			res = append(res, rcpt)
		}
	}
	return res, nil
}

func composite(min int, build func([]module.Condition) module.Condition) module.FuncNewCondition {
	return func(s module.Spec) (module.Condition, error) {
		if s.Arg != "" || len(s.Params) != 0 {
			return nil, fmt.Errorf("%s: operands must be given as nested conditions", s.Name)
		}
		if len(s.Children) < min {
			return nil, fmt.Errorf("%s: at least %d nested conditions required", s.Name, min)
		}
		return build(s.Children), nil
	}
}

func init() {
	module.RegisterCondition("And", composite(1, func(c []module.Condition) module.Condition { return and(c) }))
	module.RegisterCondition("Or", composite(1, func(c []module.Condition) module.Condition { return or(c) }))
	module.RegisterCondition("Xor", composite(2, func(c []module.Condition) module.Condition { return xor(c) }))
	// Not matches recipients none of the operands match.
	module.RegisterCondition("Not", composite(1, func(c []module.Condition) module.Condition {
		return module.Invert(or(c))
	}))
}
