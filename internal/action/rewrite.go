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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

const (
	DefaultRewriteDepth = 10

	// errorMappingPrefix marks mappings that reject the recipient.
	errorMappingPrefix = "error:"
)

var errRewriteLoop = errors.New("rewrite: too many nested mappings")

// rewriteRule replaces addresses matching a regexp. Capture groups may be
// referenced in the replacement.
type rewriteRule struct {
	from *regexp.Regexp
	to   string
}

func compileRule(from, to string) (rewriteRule, error) {
	if !strings.HasPrefix(from, "/") || !strings.HasSuffix(from, "/") || len(from) < 2 {
		return rewriteRule{}, fmt.Errorf("rule must be in /regexp/ form: %s", from)
	}
	regex := from[1 : len(from)-1]

	// The whole address must match.
	if !strings.HasPrefix(regex, "^") {
		regex = "^" + regex
	}
	if !strings.HasSuffix(regex, "$") {
		regex = regex + "$"
	}
	re, err := regexp.Compile("(?i)" + regex)
	if err != nil {
		return rewriteRule{}, err
	}
	if to == "" {
		return rewriteRule{}, fmt.Errorf("missing replacement for %s", from)
	}
	return rewriteRule{from: re, to: to}, nil
}

func (r rewriteRule) apply(normAddr string) (string, bool) {
	indx := r.from.FindStringSubmatchIndex(normAddr)
	if indx == nil {
		return "", false
	}
	return string(r.from.ExpandString(nil, r.to, normAddr, indx)), true
}

// RecipientRewriteTable replaces recipients with the addresses they are
// mapped to. Rewritten recipients are removed from the fragment and
// submitted as a new mail starting at State. Recipients mapped to an error
// are submitted to ErrorState with the error attached.
//
// Mappings are looked up by the full address, then by the local part and
// then by "@domain". A mapping value is a list of addresses, local parts
// (the recipient domain is kept), "@domain" (the local part is kept) or
// "error:<text>". Mappings are applied recursively up to MaxDepth times.
type RecipientRewriteTable struct {
	Table      module.Table
	Rules      []rewriteRule
	MaxDepth   int
	State      string
	ErrorState string
	StateDir   string
	Submitter  module.Submitter

	Log log.Logger
}

func (rrt *RecipientRewriteTable) States() []string {
	states := []string{rrt.ErrorState}
	if rrt.State != "" {
		states = append(states, rrt.State)
	}
	return states
}

func (rrt *RecipientRewriteTable) lookup(ctx context.Context, key string) ([]string, error) {
	if mt, ok := rrt.Table.(module.MultiTable); ok {
		return mt.LookupMulti(ctx, key)
	}
	val, ok, err := rrt.Table.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return splitList(val), nil
}

// mappings returns the direct mappings of normAddr, nil if there are none.
func (rrt *RecipientRewriteTable) mappings(ctx context.Context, normAddr string) ([]string, error) {
	for _, rule := range rrt.Rules {
		if res, ok := rule.apply(normAddr); ok {
			return splitList(res), nil
		}
	}
	if rrt.Table == nil {
		return nil, nil
	}

	mbox, domain, err := address.Split(normAddr)
	if err != nil {
		return nil, err
	}
	keys := []string{normAddr}
	if domain != "" {
		keys = append(keys, mbox, "@"+domain)
	}
	for _, key := range keys {
		vals, err := rrt.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}

		res := make([]string, 0, len(vals))
		for _, val := range vals {
			switch {
			case strings.HasPrefix(val, errorMappingPrefix):
				res = append(res, val)
			case strings.HasPrefix(val, "@"):
				res = append(res, mbox+val)
			case !strings.Contains(val, "@") && domain != "":
				res = append(res, val+"@"+domain)
			default:
				res = append(res, val)
			}
		}
		return res, nil
	}
	return nil, nil
}

// resolve returns the final addresses rcpt is rewritten to. It returns nil
// if rcpt is not mapped.
func (rrt *RecipientRewriteTable) resolve(ctx context.Context, rcpt string, depth int) ([]string, error) {
	normAddr, err := address.ForLookup(rcpt)
	if err != nil {
		return nil, fmt.Errorf("rewrite: malformed address: %w", err)
	}
	vals, err := rrt.mappings(ctx, normAddr)
	if err != nil || vals == nil {
		return nil, err
	}
	if depth >= rrt.MaxDepth {
		return nil, errRewriteLoop
	}

	var res []string
	for _, val := range vals {
		if strings.HasPrefix(val, errorMappingPrefix) {
			return nil, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      strings.TrimSpace(strings.TrimPrefix(val, errorMappingPrefix)),
			}
		}
		if !address.Valid(val) {
			return nil, fmt.Errorf("rewrite: refusing to replace recipient with invalid address %s", val)
		}
		if address.Equal(val, rcpt) {
			res = append(res, val)
			continue
		}
		sub, err := rrt.resolve(ctx, val, depth+1)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			res = append(res, val)
			continue
		}
		res = append(res, sub...)
	}
	return mail.Dedup(res), nil
}

func (rrt *RecipientRewriteTable) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	var (
		kept      []string
		rewritten []string
		failed    []string
		lastErr   error
	)
	for _, rcpt := range m.Rcpts {
		res, err := rrt.resolve(ctx, rcpt, 0)
		switch {
		case err != nil:
			rrt.Log.Error("could not rewrite recipient", err, "msg_name", m.Name, "rcpt", rcpt)
			failed = append(failed, rcpt)
			lastErr = err
		case res == nil:
			kept = append(kept, rcpt)
		default:
			rrt.Log.DebugMsg("recipient rewritten", "msg_name", m.Name, "rcpt", rcpt, "to", res)
			rewritten = append(rewritten, res...)
		}
	}
	if len(rewritten) == 0 && len(failed) == 0 {
		return module.Continue, nil
	}

	if len(failed) != 0 {
		c, err := copyFor(m, m.Sender, failed, rrt.StateDir)
		if err != nil {
			return module.Continue, fmt.Errorf("rewrite: %w", err)
		}
		c.State = rrt.ErrorState
		c.Err = lastErr
		if err := submitCopy(ctx, rrt.Submitter, c); err != nil {
			return module.Continue, fmt.Errorf("rewrite: %w", err)
		}
	}
	if len(rewritten) != 0 {
		c, err := copyFor(m, m.Sender, mail.Dedup(rewritten), rrt.StateDir)
		if err != nil {
			return module.Continue, fmt.Errorf("rewrite: %w", err)
		}
		c.State = rrt.State
		c.SetAttr("rewritten_from", m.Name)
		if err := submitCopy(ctx, rrt.Submitter, c); err != nil {
			return module.Continue, fmt.Errorf("rewrite: %w", err)
		}
		rrt.Log.Msg("recipients rewritten", "msg_name", m.Name, "new_name", c.Name, "rcpts", c.Rcpts)
	}

	if len(kept) == 0 {
		return module.Ghost, nil
	}
	m.Rcpts = kept
	return module.Continue, nil
}

func newRecipientRewriteTable(s module.Spec) (module.Action, error) {
	params := struct {
		Table string `mapstructure:"table"`
		Rules []struct {
			From string `mapstructure:"from"`
			To   string `mapstructure:"to"`
		} `mapstructure:"rules"`
		MaxDepth   int    `mapstructure:"max_depth"`
		State      string `mapstructure:"state"`
		ErrorState string `mapstructure:"error_state"`
	}{
		MaxDepth:   DefaultRewriteDepth,
		ErrorState: mail.StateError,
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		if params.Table != "" {
			return nil, fmt.Errorf("%s: inline argument and table are mutually exclusive", s.Name)
		}
		params.Table = s.Arg
	}
	if params.Table == "" && len(params.Rules) == 0 {
		return nil, fmt.Errorf("%s: table or rules are required", s.Name)
	}
	if params.MaxDepth <= 0 {
		return nil, fmt.Errorf("%s: max_depth must be positive", s.Name)
	}
	if err := checkState(s, params.ErrorState); err != nil {
		return nil, err
	}
	if params.State != "" {
		if err := checkState(s, params.State); err != nil {
			return nil, err
		}
	}
	if s.Globals.Submitter == nil {
		return nil, fmt.Errorf("%s: mail submission is not available", s.Name)
	}

	rrt := &RecipientRewriteTable{
		MaxDepth:   params.MaxDepth,
		State:      params.State,
		ErrorState: params.ErrorState,
		StateDir:   s.Globals.StateDir,
		Submitter:  s.Globals.Submitter,
		Log:        s.Log,
	}
	if params.Table != "" {
		var err error
		rrt.Table, err = s.Globals.Table(params.Table)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	for _, r := range params.Rules {
		rule, err := compileRule(r.From, r.To)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		rrt.Rules = append(rrt.Rules, rule)
	}
	return rrt, nil
}

func init() {
	module.RegisterAction("RecipientRewriteTable", newRecipientRewriteTable)
}
