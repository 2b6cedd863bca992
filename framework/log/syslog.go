//go:build !windows && !plan9

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
	"fmt"
	"log/syslog"
	"os"
	"sync/atomic"
	"time"
)

type syslogOut struct {
	w *syslog.Writer

	// failing is set after a failed write and cleared by the next successful
	// one, so an unavailable daemon is reported once, not per message.
	failing *atomic.Bool
}

func (s syslogOut) Write(_ time.Time, debug bool, msg string) {
	send := s.w.Info
	if debug {
		send = s.w.Debug
	}
	if err := send(msg + "\n"); err != nil {
		if !s.failing.Swap(true) {
			fmt.Fprintf(os.Stderr, "!!! Failed to send message to syslog daemon: %v\n", err)
		}
		return
	}
	s.failing.Store(false)
}

func (s syslogOut) Close() error {
	return s.w.Close()
}

// SyslogOutput returns an Output sending messages to the local syslog daemon
// with the mail facility. Empty tag means "mailflow".
func SyslogOutput(tag string) (Output, error) {
	if tag == "" {
		tag = "mailflow"
	}
	w, err := syslog.New(syslog.LOG_MAIL|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return syslogOut{w: w, failing: new(atomic.Bool)}, nil
}
