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

// Package action implements the built-in routing actions.
//
// Actions are registered in the module registry by name and created by the
// router builder from rules like
//
//	action = "ToStage=local"
//
// or, with parameters,
//
//	action = "Relay"
//	params = { host = "smtp.example.org:25", tls = "starttls" }
package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// argOrParam returns the inline argument or, if it is empty, the value of
// the named string parameter. Other parameters are rejected.
func argOrParam(s module.Spec, param string) (string, error) {
	for key := range s.Params {
		if key != param {
			return "", fmt.Errorf("%s: unknown parameter: %s", s.Name, key)
		}
	}

	value := s.Arg
	if v, ok := s.Params[param]; ok {
		if s.Arg != "" {
			return "", fmt.Errorf("%s: inline argument and %s are mutually exclusive", s.Name, param)
		}
		str, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s: %s must be a string", s.Name, param)
		}
		value = str
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s: %s required", s.Name, param)
	}
	return value, nil
}

// checkState validates a state name given in the configuration.
func checkState(s module.Spec, state string) error {
	if state == "" || strings.ContainsAny(state, " \t\r\n") {
		return fmt.Errorf("%s: invalid state name: %q", s.Name, state)
	}
	return nil
}

// ToStage moves the fragment to another stage.
type ToStage struct {
	State string
}

func (a ToStage) Service(context.Context, *mail.Mail) (module.Outcome, error) {
	return module.Redirect(a.State), nil
}

func (a ToStage) States() []string {
	return []string{a.State}
}

func newToStage(s module.Spec) (module.Action, error) {
	state, err := argOrParam(s, "stage")
	if err != nil {
		return nil, err
	}
	if err := checkState(s, state); err != nil {
		return nil, err
	}
	return ToStage{State: state}, nil
}

func newNull(s module.Spec) (module.Action, error) {
	if s.Arg != "" || len(s.Params) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", s.Name)
	}
	return module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		return module.Ghost, nil
	}), nil
}

func init() {
	module.RegisterAction("ToStage", newToStage)
	module.RegisterAction("ToProcessor", newToStage)
	module.RegisterAction("Null", newNull)
}
