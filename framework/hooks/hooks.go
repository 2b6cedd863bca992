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

// Package hooks is a process-wide registry of callbacks for lifecycle
// events delivered by signals.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the process is about to stop.
	EventShutdown Event = iota

	// EventReload is triggered on SIGHUP or SIGUSR2. The router rebuilds its
	// state table from the configuration file and swaps it in atomically.
	// Tables and repositories reopened by the new generation replace the old
	// ones only if the whole table builds.
	EventReload

	// EventLogRotate is triggered on SIGUSR1. File log outputs are reopened.
	EventLogRotate
)

func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventReload:
		return "reload"
	case EventLogRotate:
		return "logrotate"
	}
	return "unknown"
}

var (
	hooks    = make(map[Event][]func())
	hooksLck sync.Mutex
)

func hooksToRun(eventName Event) []func() {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	// Hooks are run without the lock held since they are likely to do I/O.
	return append([]func(){}, hooks[eventName]...)
}

// RunHooks runs the hooks installed for the specified event in the reverse
// order of installation.
func RunHooks(eventName Event) {
	toRun := hooksToRun(eventName)
	for i := len(toRun) - 1; i >= 0; i-- {
		toRun[i]()
	}
}

// AddHook installs the hook to be executed when certain event occurs.
func AddHook(eventName Event, f func()) {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	hooks[eventName] = append(hooks[eventName], f)
}

// Reset removes all hooks for the event.
func Reset(eventName Event) {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	delete(hooks, eventName)
}
