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

package router

import (
	"time"

	"github.com/foxcpp/mailflow/framework/log"
)

// LogListener writes router events to the debug log and a summary line for
// each routed mail.
type LogListener struct {
	Log log.Logger
}

func (l LogListener) AfterCondition(ev ConditionEvent) {
	if ev.Err != nil {
		// Already logged by the router.
		return
	}
	l.Log.DebugMsg("condition evaluated",
		"stage", ev.Stage,
		"rule", ev.Index,
		"condition", ev.Condition,
		"msg_name", ev.Mail,
		"rcpts", ev.Rcpts,
		"matched", ev.Matched,
		"took", ev.Duration,
	)
}

func (l LogListener) AfterAction(ev ActionEvent) {
	if ev.Err != nil {
		return
	}
	l.Log.DebugMsg("action executed",
		"stage", ev.Stage,
		"rule", ev.Index,
		"action", ev.Action,
		"msg_name", ev.Mail,
		"rcpts", ev.Rcpts,
		"next_state", ev.State,
		"took", ev.Duration,
	)
}

func (l LogListener) AfterRoute(res Result, took time.Duration) {
	for _, f := range res.Fragments {
		fields := []interface{}{
			"msg_name", res.Name,
			"fragment", f.Mail.Name,
			"rcpts", f.Mail.Rcpts,
			"disposition", f.Disposition.String(),
			"state", f.Mail.State,
			"hops", f.Hops,
		}
		if f.Disposition == Disposed {
			l.Log.DebugMsg("fragment routed", fields...)
			continue
		}
		if f.Err != nil {
			l.Log.Error("fragment not delivered", f.Err, fields...)
		} else {
			l.Log.Msg("fragment not delivered", fields...)
		}
	}
	l.Log.DebugMsg("routing finished", "msg_name", res.Name, "fragments", len(res.Fragments), "took", took)
}
