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
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// ExprEnv returns the variables available to expressions evaluated for m.
// rcpt is empty when the expression is evaluated for the whole mail.
//
//	name, state, sender, sender_domain, rcpt, rcpt_domain, rcpts, size,
//	attrs, header(name), has_header(name)
func ExprEnv(m *mail.Mail, rcpt string) map[string]interface{} {
	return map[string]interface{}{
		"name":          m.Name,
		"state":         m.State,
		"sender":        m.Sender,
		"sender_domain": address.Domain(m.Sender),
		"rcpt":          rcpt,
		"rcpt_domain":   address.Domain(rcpt),
		"rcpts":         m.Rcpts,
		"size":          m.Size(),
		"attrs":         m.Attrs,
		"header": func(key string) string {
			return m.Header.Get(key)
		},
		"has_header": func(key string) bool {
			return m.Header.Has(key)
		},
		"lower": strings.ToLower,
	}
}

// CompileExpr compiles an expression using the ExprEnv variables.
func CompileExpr(src string, opts ...expr.Option) (*vm.Program, error) {
	opts = append([]expr.Option{expr.AllowUndefinedVariables()}, opts...)
	return expr.Compile(src, opts...)
}

func newExpr(s module.Spec) (module.Condition, error) {
	params := struct {
		Expr string `mapstructure:"expr"`
		// PerMail evaluates the expression once, rcpt is empty.
		PerMail bool `mapstructure:"per_mail"`
	}{Expr: s.Arg}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Expr == "" {
		return nil, fmt.Errorf("%s: expression required", s.Name)
	}

	program, err := CompileExpr(params.Expr, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	eval := func(m *mail.Mail, rcpt string) (bool, error) {
		out, err := vm.Run(program, ExprEnv(m, rcpt))
		if err != nil {
			return false, err
		}
		res, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expression returned %T, not bool", out)
		}
		return res, nil
	}

	if params.PerMail {
		return mailFunc(func(_ context.Context, m *mail.Mail) (bool, error) {
			return eval(m, "")
		}), nil
	}
	return rcptFunc(func(_ context.Context, m *mail.Mail, rcpt string) (bool, error) {
		return eval(m, rcpt)
	}), nil
}

func init() {
	module.RegisterCondition("Expr", newExpr)
}
