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

package table

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailflow/framework/log"
)

var reloadInterval = 15 * time.Second

// File is a table read from a text file with "key: value1, value2" lines.
// Lines starting with '#' are comments. The file is re-read periodically
// and when Reload is called.
type File struct {
	path string

	m      map[string][]string
	mLck   sync.RWMutex
	mStamp time.Time

	stop   chan struct{}
	force  chan struct{}
	closed sync.WaitGroup

	log log.Logger
}

// NewFile reads the file and starts the reloader goroutine. A missing file
// is treated as empty.
func NewFile(path string, logger log.Logger) (*File, error) {
	f := &File{
		path:  path,
		m:     make(map[string][]string),
		stop:  make(chan struct{}),
		force: make(chan struct{}, 1),
		log:   logger,
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if err := readFile(path, f.m); err != nil {
			return nil, err
		}
		f.mStamp = info.ModTime()
	case os.IsNotExist(err):
		f.log.Msg("ignoring non-existent file", "path", path)
	default:
		return nil, fmt.Errorf("table: %w", err)
	}

	f.closed.Add(1)
	go f.reloader()
	return f, nil
}

// Reload schedules an immediate re-read of the file.
func (f *File) Reload() {
	select {
	case f.force <- struct{}{}:
	default:
	}
}

func (f *File) reloader() {
	defer f.closed.Done()
	defer func() {
		if err := recover(); err != nil {
			f.log.Printf("panic during reload: %v\n%s", err, debug.Stack())
		}
	}()

	t := time.NewTicker(reloadInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			f.reload(false)
		case <-f.force:
			f.reload(true)
		case <-f.stop:
			return
		}
	}
}

func (f *File) reload(force bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mLck.Lock()
			f.m = map[string][]string{}
			f.mLck.Unlock()
			return
		}
		f.log.Error("os stat", err)
		return
	}
	if !force && !info.ModTime().After(f.mStamp) {
		return
	}

	f.log.DebugMsg("reloading", "path", f.path)

	newm := make(map[string][]string, len(f.m)+5)
	if err := readFile(f.path, newm); err != nil {
		f.log.Error("reload failed", err, "path", f.path)
		return
	}

	f.mLck.Lock()
	f.m = newm
	f.mStamp = info.ModTime()
	f.mLck.Unlock()
}

func (f *File) Close() error {
	close(f.stop)
	f.closed.Wait()
	return nil
}

func readFile(path string, out map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scnr := bufio.NewScanner(f)
	lineCounter := 0

	for scnr.Scan() {
		lineCounter++
		text := strings.TrimSpace(scnr.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		from, to, _ := strings.Cut(text, ":")
		from = strings.TrimSpace(from)
		if from == "" {
			return fmt.Errorf("%s:%d: empty key before colon", path, lineCounter)
		}

		for _, v := range strings.Split(to, ",") {
			out[from] = append(out[from], strings.TrimSpace(v))
		}
	}
	return scnr.Err()
}

func (f *File) Lookup(_ context.Context, key string) (string, bool, error) {
	// The map is never modified, it is replaced on reload.
	f.mLck.RLock()
	m := f.m
	f.mLck.RUnlock()

	val := m[key]
	if len(val) == 0 {
		return "", false, nil
	}
	return val[0], true, nil
}

func (f *File) LookupMulti(_ context.Context, key string) ([]string, error) {
	f.mLck.RLock()
	m := f.m
	f.mLck.RUnlock()

	return m[key], nil
}
