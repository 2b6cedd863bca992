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

package log

import (
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/framework/exterrors"
	"go.uber.org/zap"
)

type line struct {
	debug bool
	text  string
}

func captured(debug bool) (Logger, *[]line) {
	var lines []line
	l := Logger{
		Name:  "test",
		Debug: debug,
		Out: FuncOutput(func(_ time.Time, debug bool, s string) {
			lines = append(lines, line{debug, s})
		}, nil),
	}
	return l, &lines
}

func TestLogger_Msg(t *testing.T) {
	l, lines := captured(false)
	l.Msg("routed", "msg_name", "abc", "hops", 3, "took", 2*time.Second)
	l.DebugMsg("hidden", "k", "v")
	l.Sublogger("stage").Printf("%d fragments", 2)

	want := []line{
		{false, `test: routed	{"hops":3,"msg_name":"abc","took":"2s"}`},
		{false, `test/stage: 2 fragments`},
	}
	if len(*lines) != len(want) {
		t.Fatalf("want %d lines, got %v", len(want), *lines)
	}
	for i := range want {
		if (*lines)[i] != want[i] {
			t.Errorf("line %d: want %q, got %q", i, want[i].text, (*lines)[i].text)
		}
	}
}

func TestLogger_Error(t *testing.T) {
	l, lines := captured(true)
	err := exterrors.WithFields(errors.New("connection refused"), map[string]interface{}{"remote": "mx.example.org"})
	l.Error("relay failed", err, "msg_name", "abc")
	l.Error("not logged", nil)

	if len(*lines) != 1 {
		t.Fatalf("want 1 line, got %v", *lines)
	}
	want := `test: relay failed	{"msg_name":"abc","reason":"connection refused","remote":"mx.example.org"}`
	if got := (*lines)[0].text; got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestLogger_Zap(t *testing.T) {
	l, lines := captured(false)
	z := l.Zap()
	z.Debug("hidden")
	z.Named("http").Warn("slow client", zap.String("addr", "127.0.0.1"))
	zap.NewStdLog(z).Print("stdlib message")

	if len(*lines) != 2 {
		t.Fatalf("want 2 lines, got %v", *lines)
	}
	want := `test/http: slow client	{"addr":"127.0.0.1","level":"warn"}`
	if got := (*lines)[0].text; got != want {
		t.Errorf("want %q, got %q", want, got)
	}
	if got := (*lines)[1].text; got != "test: stdlib message" {
		t.Errorf("unexpected stdlib line: %q", got)
	}
}
