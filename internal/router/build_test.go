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

package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/testutils"
)

type closeCounter struct {
	module.Action
	closed *int
}

func (c closeCounter) Close() error {
	*c.closed++
	return nil
}

var buildClosed int

func init() {
	module.RegisterCondition("test_rcpt", func(s module.Spec) (module.Condition, error) {
		if s.Arg == "" {
			return nil, errors.New("recipient required")
		}
		return testutils.RcptCondition(strings.Split(s.Arg, ",")), nil
	})
	module.RegisterCondition("test_all", func(module.Spec) (module.Condition, error) {
		return module.ConditionFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
			return m.Rcpts, nil
		}), nil
	})
	module.RegisterCondition("test_or", func(s module.Spec) (module.Condition, error) {
		return module.ConditionFunc(func(ctx context.Context, m *mail.Mail) ([]string, error) {
			var res []string
			for _, c := range s.Children {
				matched, err := c.Match(ctx, m)
				if err != nil {
					return nil, err
				}
				res = append(res, matched...)
			}
			return mail.Dedup(res), nil
		}), nil
	})
	module.RegisterAction("test_state", func(s module.Spec) (module.Action, error) {
		var params struct {
			Attr string `mapstructure:"attr"`
		}
		if err := s.Decode(&params); err != nil {
			return nil, err
		}
		return module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
			if params.Attr != "" {
				m.SetAttr(params.Attr, true)
			}
			return module.Redirect(s.Arg), nil
		}), nil
	})
	module.RegisterAction("test_closer", func(module.Spec) (module.Action, error) {
		return closeCounter{
			Action: module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
				return module.Ghost, nil
			}),
			closed: &buildClosed,
		}, nil
	})
}

func buildRouter(t *testing.T, text string) (*router.Table, error) {
	t.Helper()
	cfg, err := config.Parse(text, testutils.Logger(t, "config"))
	if err != nil {
		t.Fatal(err)
	}
	return router.Build(cfg.Router, &module.Globals{Logger: testutils.Logger(t, "router")})
}

func TestBuild(t *testing.T) {
	table, err := buildRouter(t, `
[router]
entry_state = "default"

[[router.stage]]
name = "default"

  [[router.stage.condition]]
  name = "staff"
  match = "test_or"

    [[router.stage.condition.condition]]
    match = "test_rcpt=alice"

    [[router.stage.condition.condition]]
    match = "test_rcpt=carol"

  [[router.stage.rule]]
  id = "to-local"
  match = "staff"
  action = "test_state=local"
  params = { attr = "staff" }

  [[router.stage.rule]]
  notmatch = "test_rcpt=dave"
  action = "test_closer"

[[router.stage]]
name = "local"
fallthrough = "retain"

[[router.stage]]
name = "error"
`)
	if err != nil {
		t.Fatal(err)
	}

	pairs := table.Stages()[0].Pairs()
	if pairs[0].ActionName != "to-local" || pairs[0].ConditionName != "staff" {
		t.Fatalf("wrong names: %+v", pairs[0])
	}
	if pairs[1].ConditionName != "not test_rcpt=dave" {
		t.Fatal("wrong name for inverted condition:", pairs[1].ConditionName)
	}

	r := router.New(table, router.Options{Log: testutils.Logger(t, "router")})
	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "alice", "bob", "carol", "dave"))

	local := res.Rcpts(router.Retained)
	if len(local) != 3 {
		t.Fatal("wrong retained recipients:", local)
	}
	for _, f := range res.Fragments {
		switch {
		case f.Mail.HasRcpt("alice"):
			if f.Mail.State != "local" || f.Mail.Attrs["staff"] != true {
				t.Fatal("staff fragment not routed to local:", f.Mail)
			}
		case f.Mail.HasRcpt("bob"):
			if f.Disposition != router.Disposed {
				t.Fatal("bob not disposed:", f.Disposition)
			}
		case f.Mail.HasRcpt("dave"):
			if f.Mail.State != mail.StateError {
				t.Fatal("dave did not fall through to error:", f.Mail.State)
			}
		}
	}

	before := buildClosed
	if err := table.Close(); err != nil {
		t.Fatal(err)
	}
	if buildClosed != before+1 {
		t.Fatal("component not closed")
	}
}

func TestBuild_Errors(t *testing.T) {
	test := func(name, text string) {
		t.Run(name, func(t *testing.T) {
			if _, err := buildRouter(t, text); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	test("unknown action", `
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  action = "nope"
[[router.stage]]
name = "error"
`)
	test("unknown condition", `
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  match = "nope"
  action = "test_closer"
[[router.stage]]
name = "error"
`)
	test("factory error", `
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  match = "test_rcpt"
  action = "test_closer"
[[router.stage]]
name = "error"
`)
	test("unknown param", `
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  action = "test_state=error"
  params = { color = "red" }
[[router.stage]]
name = "error"
`)
	test("bad action policy", `
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  action = "test_closer"
  on_action_error = "matchall"
[[router.stage]]
name = "error"
`)
	test("recursive condition", `
[[router.stage]]
name = "root"
  [[router.stage.condition]]
  name = "loop"
  match = "loop"
  [[router.stage.rule]]
  match = "loop"
  action = "test_closer"
[[router.stage]]
name = "error"
`)
	test("missing entry", `
[router]
entry_state = "default"
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  action = "test_closer"
[[router.stage]]
name = "error"
`)
	test("check unmet", `
[[router.check]]
stage = "root"
action = "test_state"
[[router.stage]]
name = "root"
  [[router.stage.rule]]
  action = "test_closer"
[[router.stage]]
name = "error"
`)
}
