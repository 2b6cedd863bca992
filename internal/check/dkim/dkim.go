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

// Package dkim implements the DKIMVerify action.
//
// DKIMVerify checks DKIM signatures of the message, records the overall
// result in the "dkim.result" attribute and prepends an
// Authentication-Results field. It never changes the routing of the mail
// itself: use HasAttributeWithValue=dkim.result,fail to act on the result.
package dkim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nettextproto "net/textproto"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// AttrResult holds the best result of all signatures: pass, fail,
// permerror, temperror or none.
const AttrResult = "dkim.result"

type Verifier struct {
	hostname       string
	requiredFields map[string]struct{}
	failOpen       bool

	resolver dns.Resolver
	log      log.Logger
}

func New(s module.Spec) (module.Action, error) {
	params := struct {
		RequiredFields []string `mapstructure:"required_fields"`
		FailOpen       bool     `mapstructure:"fail_open"`
	}{
		RequiredFields: []string{"From", "Subject"},
	}
	if s.Arg != "" {
		return nil, fmt.Errorf("%s: inline argument is not used", s.Name)
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}

	v := &Verifier{
		hostname:       s.Globals.Hostname,
		requiredFields: make(map[string]struct{}, len(params.RequiredFields)),
		failOpen:       params.FailOpen,
		log:            s.Log,
	}
	for _, field := range params.RequiredFields {
		v.requiredFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}

	var err error
	v.resolver, err = s.Globals.DNS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return v, nil
}

// Verify returns the verification result for each signature of the message.
// A temporary error is returned if a key lookup failed and fail_open is not
// set.
func (v *Verifier) Verify(ctx context.Context, m *mail.Mail) ([]authres.Result, error) {
	if !m.Header.Has("DKIM-Signature") {
		v.log.DebugMsg("no signatures present", "msg_name", m.Name)
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultNone}}, nil
	}

	b := bytes.Buffer{}
	_ = textproto.WriteHeader(&b, m.Header)
	bodyRdr, err := m.Body.Open()
	if err != nil {
		return nil, err
	}
	defer bodyRdr.Close()

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&b, bodyRdr), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return v.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return nil, err
	}

	res := make([]authres.Result, 0, len(verifications))
	for _, verif := range verifications {
		val := authres.ResultValue(authres.ResultPass)
		reason := ""
		if verif.Err != nil {
			val = authres.ResultFail
			reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
			if dkim.IsPermFail(verif.Err) {
				val = authres.ResultPermError
			}
			if dkim.IsTempFail(verif.Err) {
				if !v.failOpen {
					return nil, fmt.Errorf("temporary error during verification: %w", verif.Err)
				}
				val = authres.ResultTempError
			}
			v.log.DebugMsg("bad signature", "msg_name", m.Name, "domain", verif.Domain, "identifier", verif.Identifier, "reason", reason)
		} else {
			signedFields := make(map[string]struct{}, len(verif.HeaderKeys))
			for _, field := range verif.HeaderKeys {
				signedFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
			}
			for field := range v.requiredFields {
				if _, ok := signedFields[field]; !ok {
					val = authres.ResultPermError
					reason = "some header fields are not signed"
				}
			}
		}
		if val == authres.ResultPass {
			v.log.DebugMsg("good signature", "msg_name", m.Name, "domain", verif.Domain, "identifier", verif.Identifier)
		}

		res = append(res, &authres.DKIMResult{
			Value:      val,
			Reason:     reason,
			Domain:     verif.Domain,
			Identifier: verif.Identifier,
		})
	}
	return res, nil
}

// Summary picks the result recorded in the dkim.result attribute. Any passing
// signature makes the message pass.
func Summary(results []authres.Result) authres.ResultValue {
	best := authres.ResultValue(authres.ResultNone)
	rank := map[authres.ResultValue]int{
		authres.ResultNone:      0,
		authres.ResultPermError: 1,
		authres.ResultTempError: 2,
		authres.ResultFail:      3,
		authres.ResultPass:      4,
	}
	for _, r := range results {
		dr, ok := r.(*authres.DKIMResult)
		if !ok {
			continue
		}
		if rank[dr.Value] > rank[best] {
			best = dr.Value
		}
	}
	return best
}

func (v *Verifier) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	results, err := v.Verify(ctx, m)
	if err != nil {
		return module.Continue, err
	}
	m.SetAttr(AttrResult, string(Summary(results)))
	m.Header.Add("Authentication-Results", authres.Format(v.hostname, results))
	return module.Continue, nil
}

func init() {
	module.RegisterAction("DKIMVerify", New)
}
