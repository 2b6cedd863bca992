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

package testutils

import (
	"flag"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(mailflow) Turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "(mailflow) Log to stderr instead of test log")
)

// Logger returns a logger writing to the test log, so output is shown only
// for failed tests (or with -v).
//
// Messages written after the test finished are dropped: spool workers and
// SMTP sessions may still log while the test is being cleaned up.
func Logger(t testing.TB, name string) log.Logger {
	l := log.Logger{Name: name, Debug: *debugLog}
	if *directLog {
		l.Out = log.WriterOutput(os.Stderr, true)
		return l
	}

	var done atomic.Bool
	t.Cleanup(func() { done.Store(true) })
	l.Out = log.FuncOutput(func(_ time.Time, debug bool, str string) {
		if done.Load() {
			return
		}
		t.Helper()
		str = strings.TrimSuffix(str, "\n")
		if debug {
			str = "[debug] " + str
		}
		t.Log(str)
	}, nil)
	return l
}
