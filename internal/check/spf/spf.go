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

// Package spf implements the SPF action.
//
// SPF evaluates the sender policy for the client IP, the EHLO hostname and
// the envelope sender, records the result in the "spf.result" attribute and
// prepends an Authentication-Results field. Mail not received over TCP and
// mail with the null sender is left untouched.
package spf

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"golang.org/x/net/idna"
)

// AttrResult holds one of none, neutral, pass, fail, softfail, temperror or
// permerror.
const AttrResult = "spf.result"

var resultValues = map[spf.Result]authres.ResultValue{
	spf.None:      authres.ResultNone,
	spf.Neutral:   authres.ResultNeutral,
	spf.Pass:      authres.ResultPass,
	spf.Fail:      authres.ResultFail,
	spf.SoftFail:  authres.ResultSoftFail,
	spf.TempError: authres.ResultTempError,
	spf.PermError: authres.ResultPermError,
}

type Check struct {
	hostname string
	failOpen bool

	resolver dns.Resolver
	log      log.Logger
}

func New(s module.Spec) (module.Action, error) {
	var params struct {
		FailOpen bool `mapstructure:"fail_open"`
	}
	if s.Arg != "" {
		return nil, fmt.Errorf("%s: inline argument is not used", s.Name)
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	c := &Check{
		hostname: s.Globals.Hostname,
		failOpen: params.FailOpen,
		log:      s.Log,
	}
	var err error
	c.resolver, err = s.Globals.DNS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return c, nil
}

var errMalformedSender = errors.New("malformed sender address")

func prepareMailFrom(from string) (string, error) {
	// MAIL FROM domain should be converted to A-labels before doing
	// anything.
	fromMbox, fromDomain, err := address.Split(from)
	if err != nil || fromDomain == "" {
		return "", errMalformedSender
	}
	fromDomain, err = idna.ToASCII(fromDomain)
	if err != nil {
		return "", errMalformedSender
	}

	// %{s} and %{l} do not match anything if it is non-ASCII.
	if !isASCII(fromMbox) {
		fromMbox = ""
	}
	return fromMbox + "@" + dns.FQDN(fromDomain), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (c *Check) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	ip := m.RemoteIP()
	if ip == nil {
		c.log.DebugMsg("locally generated message, skipping", "msg_name", m.Name)
		return module.Continue, nil
	}
	if m.Sender == "" {
		c.log.DebugMsg("sender address is empty, skipping", "msg_name", m.Name)
		return module.Continue, nil
	}
	helo := m.StringAttr(mail.AttrHelo)

	spfAuth := &authres.SPFResult{
		Value: authres.ResultNone,
		Helo:  helo,
		From:  address.Domain(m.Sender),
	}

	mailFrom, err := prepareMailFrom(m.Sender)
	if err != nil {
		spfAuth.Value = authres.ResultPermError
		spfAuth.Reason = err.Error()
		c.record(m, spfAuth)
		return module.Continue, nil
	}

	res, err := spf.CheckHostWithSender(ip, dns.FQDN(helo), mailFrom,
		spf.WithContext(ctx), spf.WithResolver(c.resolver))
	c.log.DebugMsg("spf result", "msg_name", m.Name, "result", res, "reason", err)

	if res == spf.TempError && !c.failOpen {
		if err == nil {
			err = errors.New("unknown error")
		}
		return module.Continue, fmt.Errorf("spf: temporary error: %w", err)
	}

	spfAuth.Value = resultValues[res]
	if spfAuth.Value == "" {
		spfAuth.Value = authres.ResultPermError
	}
	if err != nil {
		spfAuth.Reason = err.Error()
	} else if res == spf.None {
		spfAuth.Reason = "no policy"
	}
	c.record(m, spfAuth)
	return module.Continue, nil
}

func (c *Check) record(m *mail.Mail, res *authres.SPFResult) {
	m.SetAttr(AttrResult, string(res.Value))
	m.Header.Add("Authentication-Results", authres.Format(c.hostname, []authres.Result{res}))
}

func init() {
	module.RegisterAction("SPF", New)
}
