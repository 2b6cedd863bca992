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
	"sync"
	"time"

	"github.com/foxcpp/mailflow/internal/router"
)

// Recorder is a router.Listener keeping all events.
type Recorder struct {
	lock       sync.Mutex
	Conditions []router.ConditionEvent
	Actions    []router.ActionEvent
	Results    []router.Result
}

func (r *Recorder) AfterCondition(ev router.ConditionEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Conditions = append(r.Conditions, ev)
}

func (r *Recorder) AfterAction(ev router.ActionEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Actions = append(r.Actions, ev)
}

func (r *Recorder) AfterRoute(res router.Result, _ time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Results = append(r.Results, res)
}

func (r *Recorder) ConditionEvents() []router.ConditionEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]router.ConditionEvent(nil), r.Conditions...)
}

func (r *Recorder) ActionEvents() []router.ActionEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]router.ActionEvent(nil), r.Actions...)
}
