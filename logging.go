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

package mailflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/mailflow/framework/hooks"
	"github.com/foxcpp/mailflow/framework/log"
)

// LogOutput creates the log output for the list of targets. Supported
// targets are "stderr", "stderr_ts" (with timestamps), "syslog" (or
// "syslog:TAG"), "off" and absolute file paths. Files are reopened on log
// rotation.
func LogOutput(targets []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(targets))
	for _, target := range targets {
		syslogTag := ""
		if tag, ok := strings.CutPrefix(target, "syslog:"); ok {
			target = "syslog"
			syslogTag = tag
		}
		switch target {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			out, err := log.SyslogOutput(syslogTag)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, out)
		case "off":
			if len(targets) != 1 {
				return nil, fmt.Errorf("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			if !filepath.IsAbs(target) {
				return nil, fmt.Errorf("unknown log target or relative path: %s", target)
			}
			out, err := log.NewFileOutput(target)
			if err != nil {
				return nil, err
			}
			hooks.AddHook(hooks.EventLogRotate, func() {
				if err := out.Reopen(); err != nil {
					log.Println("failed to reopen log file:", err)
				}
			})
			outs = append(outs, out)
		}
	}

	switch len(outs) {
	case 0:
		return log.WriterOutput(os.Stderr, false), nil
	case 1:
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}
