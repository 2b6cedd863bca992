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

package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr/vm"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/condition"
)

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

// namesArg returns the names given inline or in the "names" parameter.
func namesArg(s module.Spec) ([]string, error) {
	var params struct {
		Names []string `mapstructure:"names"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		if len(params.Names) != 0 {
			return nil, fmt.Errorf("%s: inline argument and names are mutually exclusive", s.Name)
		}
		params.Names = splitList(s.Arg)
	}
	if len(params.Names) == 0 {
		return nil, fmt.Errorf("%s: at least one name is required", s.Name)
	}
	return params.Names, nil
}

func newSetAttribute(s module.Spec) (module.Action, error) {
	attrs := make(map[string]interface{}, len(s.Params))
	if s.Arg != "" {
		if len(s.Params) != 0 {
			return nil, fmt.Errorf("%s: inline argument and params are mutually exclusive", s.Name)
		}
		name, value, ok := strings.Cut(s.Arg, ",")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%s: expected 'name,value': %s", s.Name, s.Arg)
		}
		attrs[name] = strings.TrimSpace(value)
	}
	for k, v := range s.Params {
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%s: at least one attribute is required", s.Name)
	}

	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		for k, v := range attrs {
			m.SetAttr(k, v)
		}
		return module.Continue, nil
	}), nil
}

func newRemoveAttribute(s module.Spec) (module.Action, error) {
	names, err := namesArg(s)
	if err != nil {
		return nil, err
	}
	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		for _, name := range names {
			m.DelAttr(name)
		}
		return module.Continue, nil
	}), nil
}

func newAddHeader(s module.Spec) (module.Action, error) {
	var params struct {
		Header string `mapstructure:"header"`
		Value  string `mapstructure:"value"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		if params.Header != "" {
			return nil, fmt.Errorf("%s: inline argument and header are mutually exclusive", s.Name)
		}
		name, value, ok := strings.Cut(s.Arg, ":")
		if !ok {
			return nil, fmt.Errorf("%s: expected 'Name: value': %s", s.Name, s.Arg)
		}
		params.Header, params.Value = name, value
	}
	params.Header = strings.TrimSpace(params.Header)
	params.Value = strings.TrimSpace(params.Value)
	if params.Header == "" || strings.ContainsAny(params.Header, " \t:") {
		return nil, fmt.Errorf("%s: invalid header name: %q", s.Name, params.Header)
	}
	if strings.ContainsAny(params.Value, "\r\n") {
		return nil, fmt.Errorf("%s: header value must not contain line breaks", s.Name)
	}

	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		m.Header.Add(params.Header, params.Value)
		return module.Continue, nil
	}), nil
}

func newRemoveHeader(s module.Spec) (module.Action, error) {
	names, err := namesArg(s)
	if err != nil {
		return nil, err
	}
	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		for _, name := range names {
			m.Header.Del(name)
		}
		return module.Continue, nil
	}), nil
}

// newLog writes a line about each fragment reaching the rule.
func newLog(s module.Spec) (module.Action, error) {
	params := struct {
		Message string   `mapstructure:"message"`
		Headers []string `mapstructure:"headers"`
		Attrs   bool     `mapstructure:"attrs"`
		Debug   bool     `mapstructure:"debug"`
	}{Message: s.Arg}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Message == "" {
		params.Message = "mail"
	}

	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		fields := []interface{}{
			"msg_name", m.Name,
			"sender", m.Sender,
			"rcpts", m.Rcpts,
			"state", m.State,
		}
		for _, h := range params.Headers {
			fields = append(fields, "hdr_"+strings.ToLower(h), m.Header.Get(h))
		}
		if params.Attrs {
			for _, name := range m.AttrNames() {
				v, _ := m.Attr(name)
				fields = append(fields, "attr_"+name, v)
			}
		}
		if params.Debug {
			s.Log.DebugMsg(params.Message, fields...)
		} else {
			s.Log.Msg(params.Message, fields...)
		}
		return module.Continue, nil
	}), nil
}

// newExpr sets an attribute to the result of an expression evaluated over
// the fragment.
func newExpr(s module.Spec) (module.Action, error) {
	var params struct {
		Attr string `mapstructure:"attr"`
		Expr string `mapstructure:"expr"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Attr == "" || params.Expr == "" {
		return nil, fmt.Errorf("%s: attr and expr are required", s.Name)
	}
	program, err := condition.CompileExpr(params.Expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		out, err := vm.Run(program, condition.ExprEnv(m, ""))
		if err != nil {
			return module.Continue, err
		}
		m.SetAttr(params.Attr, out)
		return module.Continue, nil
	}), nil
}

func init() {
	module.RegisterAction("SetAttribute", newSetAttribute)
	module.RegisterAction("RemoveAttribute", newRemoveAttribute)
	module.RegisterAction("AddHeader", newAddHeader)
	module.RegisterAction("RemoveHeader", newRemoveHeader)
	module.RegisterAction("Log", newLog)
	module.RegisterAction("Expr", newExpr)
}
