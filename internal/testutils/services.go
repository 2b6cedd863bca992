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
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// Table is a static lookup table.
type Table struct {
	M   map[string]string
	Err error
}

func (t Table) Lookup(_ context.Context, a string) (string, bool, error) {
	if t.Err != nil {
		return "", false, t.Err
	}
	b, ok := t.M[a]
	return b, ok, nil
}

// Repository keeps mail in memory. Bodies are read into memory on Store.
type Repository struct {
	Name    string
	Err     error
	lock    sync.Mutex
	counter int
	mails   map[string]*mail.Mail
	stored  map[string]time.Time
}

func (r *Repository) Store(_ context.Context, m *mail.Mail) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}

	c := m.Clone()
	if m.Body != nil {
		rd, err := m.Body.Open()
		if err != nil {
			return "", err
		}
		defer rd.Close()
		c.Body, err = buffer.InMemory(rd)
		if err != nil {
			return "", err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.mails == nil {
		r.mails = make(map[string]*mail.Mail)
		r.stored = make(map[string]time.Time)
	}
	r.counter++
	key := strconv.Itoa(r.counter)
	r.mails[key] = c
	r.stored[key] = time.Now()
	return key, nil
}

func (r *Repository) List(context.Context) ([]module.StoredMail, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	res := make([]module.StoredMail, 0, len(r.mails))
	for key, m := range r.mails {
		sm := module.StoredMail{
			Key:        key,
			Name:       m.Name,
			Sender:     m.Sender,
			Rcpts:      m.Rcpts,
			State:      m.State,
			Repository: r.Name,
			StoredAt:   r.stored[key],
		}
		if m.Err != nil {
			sm.Error = m.Err.Error()
		}
		res = append(res, sm)
	}
	sort.Slice(res, func(i, j int) bool {
		a, _ := strconv.Atoi(res[i].Key)
		b, _ := strconv.Atoi(res[j].Key)
		return a < b
	})
	return res, nil
}

func (r *Repository) Retrieve(_ context.Context, key string) (*mail.Mail, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.mails[key]
	if !ok {
		return nil, module.ErrNoSuchMail
	}
	return m.Clone(), nil
}

func (r *Repository) Remove(_ context.Context, key string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.mails[key]; !ok {
		return module.ErrNoSuchMail
	}
	delete(r.mails, key)
	return nil
}

func (r *Repository) Count(context.Context) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.mails), nil
}

// Mails returns stored mails in the order of storing.
func (r *Repository) Mails() []*mail.Mail {
	list, _ := r.List(context.Background())
	res := make([]*mail.Mail, 0, len(list))
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, sm := range list {
		res = append(res, r.mails[sm.Key])
	}
	return res
}

// Submitter collects submitted mail.
type Submitter struct {
	Err   error
	lock  sync.Mutex
	Mails []*mail.Mail
}

func (s *Submitter) Submit(_ context.Context, m *mail.Mail) error {
	if s.Err != nil {
		return s.Err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Mails = append(s.Mails, m)
	return nil
}

func (s *Submitter) Submitted() []*mail.Mail {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*mail.Mail(nil), s.Mails...)
}

// ReadBody returns the full body of m.
func ReadBody(m *mail.Mail) ([]byte, error) {
	if m.Body == nil {
		return nil, errors.New("testutils: mail has no body")
	}
	r, err := m.Body.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
