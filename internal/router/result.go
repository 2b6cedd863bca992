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
	"github.com/foxcpp/mailflow/framework/mail"
)

// Disposition is the final outcome of one fragment.
type Disposition int

const (
	// Disposed fragments reached the terminal state: their recipients were
	// handled by some action.
	Disposed Disposition = iota
	// Retained fragments stopped in the error stage with nothing left to do.
	// The transport must keep them (dead letter).
	Retained
	// Failed fragments could not be routed at all, e.g. the error stage was
	// unreachable.
	Failed
	// Aborted fragments were not finished because the context was cancelled.
	Aborted
)

func (d Disposition) String() string {
	switch d {
	case Disposed:
		return "disposed"
	case Retained:
		return "retained"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Fragment is one final piece of a routed mail.
type Fragment struct {
	Mail        *mail.Mail
	Disposition Disposition
	// Err is the last error recorded for the fragment, if any.
	Err  error
	Hops int
}

// Result is the outcome of Router.Route. The union of recipients of all
// fragments equals the recipients of the routed mail.
type Result struct {
	Name      string
	Fragments []Fragment
}

// Rcpts returns recipients of fragments with the disposition d.
func (r Result) Rcpts(d Disposition) []string {
	var rcpts []string
	for _, f := range r.Fragments {
		if f.Disposition == d {
			rcpts = append(rcpts, f.Mail.Rcpts...)
		}
	}
	return rcpts
}

// AllRcpts returns recipients of all fragments.
func (r Result) AllRcpts() []string {
	var rcpts []string
	for _, f := range r.Fragments {
		rcpts = append(rcpts, f.Mail.Rcpts...)
	}
	return rcpts
}

// Count returns the number of fragments with the disposition d.
func (r Result) Count(d Disposition) int {
	n := 0
	for _, f := range r.Fragments {
		if f.Disposition == d {
			n++
		}
	}
	return n
}

// Done reports whether every fragment was disposed of.
func (r Result) Done() bool {
	return r.Count(Disposed) == len(r.Fragments)
}
