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

	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// forwardMemLimit is the body size above which forwarded copies are
// buffered on disk.
const forwardMemLimit = 1 << 20

// Forward submits a copy of the fragment addressed to a fixed list of
// recipients. The copy gets its own body buffer since it is routed
// independently of the original.
type Forward struct {
	To          []string
	Sender      string
	State       string
	Passthrough bool
	StateDir    string
	Submitter   module.Submitter

	Log log.Logger
}

func (f *Forward) States() []string {
	if f.State == "" {
		return nil
	}
	return []string{f.State}
}

// copyFor returns a new mail with the header, attributes and a private copy
// of the body of m.
func copyFor(m *mail.Mail, sender string, rcpts []string, stateDir string) (*mail.Mail, error) {
	rd, err := m.Body.Open()
	if err != nil {
		return nil, err
	}
	body, err := buffer.Auto(rd, stateDir, forwardMemLimit)
	rd.Close()
	if err != nil {
		return nil, err
	}

	c := mail.New(sender, rcpts, m.Header.Copy(), body)
	c.RemoteAddr = m.RemoteAddr
	for _, name := range m.AttrNames() {
		v, _ := m.Attr(name)
		c.SetAttr(name, v)
	}
	return c, nil
}

func submitCopy(ctx context.Context, sub module.Submitter, c *mail.Mail) error {
	if err := sub.Submit(ctx, c); err != nil {
		c.Body.Remove()
		return err
	}
	return nil
}

func (f *Forward) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	sender := m.Sender
	if f.Sender != "" {
		sender = f.Sender
	}

	fwd, err := copyFor(m, sender, f.To, f.StateDir)
	if err != nil {
		return module.Continue, fmt.Errorf("forward: %w", err)
	}
	fwd.State = f.State
	fwd.SetAttr("forwarded_from", m.Name)

	if err := submitCopy(ctx, f.Submitter, fwd); err != nil {
		return module.Continue, fmt.Errorf("forward: %w", err)
	}
	f.Log.Msg("forwarded", "msg_name", m.Name, "fwd_name", fwd.Name, "rcpts", m.Rcpts, "to", f.To)

	if f.Passthrough {
		return module.Continue, nil
	}
	return module.Ghost, nil
}

func newForward(s module.Spec) (module.Action, error) {
	params := struct {
		To          []string `mapstructure:"to"`
		Sender      string   `mapstructure:"sender"`
		State       string   `mapstructure:"state"`
		Passthrough bool     `mapstructure:"passthrough"`
	}{}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		if len(params.To) != 0 {
			return nil, fmt.Errorf("%s: inline argument and to are mutually exclusive", s.Name)
		}
		params.To = splitList(s.Arg)
	}
	if len(params.To) == 0 {
		return nil, fmt.Errorf("%s: at least one recipient is required", s.Name)
	}
	for _, rcpt := range params.To {
		if !address.Valid(rcpt) {
			return nil, fmt.Errorf("%s: invalid address: %s", s.Name, rcpt)
		}
	}
	if params.State != "" {
		if err := checkState(s, params.State); err != nil {
			return nil, err
		}
	}
	if s.Globals.Submitter == nil {
		return nil, fmt.Errorf("%s: mail submission is not available", s.Name)
	}

	return &Forward{
		To:          params.To,
		Sender:      params.Sender,
		State:       params.State,
		Passthrough: params.Passthrough,
		StateDir:    s.Globals.StateDir,
		Submitter:   s.Globals.Submitter,
		Log:         s.Log,
	}, nil
}

func init() {
	module.RegisterAction("Forward", newForward)
}
