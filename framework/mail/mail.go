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

// Package mail defines the unit of work routed through the stage graph.
package mail

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/google/uuid"
)

// Well-known states.
const (
	// StateRoot is the default entry state of the router.
	StateRoot = "root"
	// StateError is the default error state.
	StateError = "error"
	// StateGhost is the terminal marker. It is never looked up in the state
	// table.
	StateGhost = "ghost"

	StateTransport     = "transport"
	StateLocalDelivery = "local-delivery"
)

// Attributes set by the SMTP endpoint.
const (
	// AttrHelo is the hostname the client sent in EHLO/HELO.
	AttrHelo = "smtp.helo"
	// AttrAuthUser is the user name the client authenticated as. It is not
	// set for unauthenticated sessions.
	AttrAuthUser = "smtp.auth_user"
	// AttrTLS is true if the mail was received over TLS.
	AttrTLS = "smtp.tls"
)

// Mail is a message together with its envelope and routing state.
//
// A Mail is owned by a single routing loop at a time. Stages never mutate a
// Mail shared with another fragment: partial matches work on a Fork.
type Mail struct {
	// Name identifies the logical message in logs and listener events.
	// Fragments created for partial matches get derived names.
	Name string

	// Sender is the envelope sender. Empty string is the null sender used by
	// bounces and other notifications.
	Sender string

	// Rcpts is the ordered set of envelope recipients.
	Rcpts []string

	Header textproto.Header

	// Body is shared between fragments and must not be modified. Actions that
	// need to change the body replace it with a new Buffer.
	Body buffer.Buffer

	State string

	Attrs map[string]interface{}

	// Err is the last error recorded for this mail by the router.
	Err error

	// Received is the time the mail entered the system.
	Received time.Time

	// RemoteAddr is the address of the client that submitted the mail, if
	// any.
	RemoteAddr string
}

// New creates a mail with a fresh name and no state, so it enters the
// router at the entry state. Duplicate
// recipients (compared using address.Equal) are removed.
func New(sender string, rcpts []string, header textproto.Header, body buffer.Buffer) *Mail {
	return &Mail{
		Name:     NewName(),
		Sender:   sender,
		Rcpts:    Dedup(rcpts),
		Header:   header,
		Body:     body,
		Attrs:    make(map[string]interface{}),
		Received: time.Now(),
	}
}

// NewName generates a new unique mail name.
func NewName() string {
	return "Mail" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Dedup returns rcpts with duplicates removed, keeping the first occurrence.
func Dedup(rcpts []string) []string {
	seen := make(map[string]struct{}, len(rcpts))
	res := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		key, _ := address.ForLookup(rcpt)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		res = append(res, rcpt)
	}
	return res
}

// Clone returns a deep copy of m. The body buffer is shared.
//
// Attribute values of type []string, []byte, []interface{},
// map[string]string and map[string]interface{} are copied recursively.
// Other pointer-like values are shared and must not be modified in place.
func (m *Mail) Clone() *Mail {
	c := *m
	c.Rcpts = append([]string(nil), m.Rcpts...)
	c.Header = m.Header.Copy()
	c.Attrs = make(map[string]interface{}, len(m.Attrs))
	for k, v := range m.Attrs {
		c.Attrs[k] = copyAttr(v)
	}
	return &c
}

func copyAttr(v interface{}) interface{} {
	switch v := v.(type) {
	case []string:
		return append([]string(nil), v...)
	case []byte:
		return append([]byte(nil), v...)
	case []interface{}:
		res := make([]interface{}, len(v))
		for i, e := range v {
			res[i] = copyAttr(e)
		}
		return res
	case map[string]string:
		res := make(map[string]string, len(v))
		for k, e := range v {
			res[k] = e
		}
		return res
	case map[string]interface{}:
		res := make(map[string]interface{}, len(v))
		for k, e := range v {
			res[k] = copyAttr(e)
		}
		return res
	default:
		return v
	}
}

// Fork returns a copy of m restricted to rcpts and named name.
func (m *Mail) Fork(name string, rcpts []string) *Mail {
	c := m.Clone()
	c.Name = name
	c.Rcpts = append([]string(nil), rcpts...)
	return c
}

// Size returns the size of the message header and body in bytes.
func (m *Mail) Size() int {
	size := 0
	fields := m.Header.Fields()
	for fields.Next() {
		size += len(fields.Key()) + len(fields.Value()) + 4
	}
	size += 2
	if m.Body != nil {
		size += m.Body.Len()
	}
	return size
}

// HasRcpt reports whether rcpt is among the mail recipients.
func (m *Mail) HasRcpt(rcpt string) bool {
	for _, r := range m.Rcpts {
		if address.Equal(r, rcpt) {
			return true
		}
	}
	return false
}

// RcptSet returns recipients as a set keyed by address.ForLookup.
func (m *Mail) RcptSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Rcpts))
	for _, r := range m.Rcpts {
		key, _ := address.ForLookup(r)
		set[key] = struct{}{}
	}
	return set
}

func (m *Mail) Attr(key string) (interface{}, bool) {
	v, ok := m.Attrs[key]
	return v, ok
}

func (m *Mail) SetAttr(key string, value interface{}) {
	if m.Attrs == nil {
		m.Attrs = make(map[string]interface{})
	}
	m.Attrs[key] = value
}

func (m *Mail) DelAttr(key string) {
	delete(m.Attrs, key)
}

// AttrNames returns attribute names in sorted order.
func (m *Mail) AttrNames() []string {
	names := make([]string, 0, len(m.Attrs))
	for k := range m.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RemoteIP returns the IP address of the client that submitted m or nil if
// it was not received over TCP.
func (m *Mail) RemoteIP() net.IP {
	host, _, err := net.SplitHostPort(m.RemoteAddr)
	if err != nil {
		host = m.RemoteAddr
	}
	return net.ParseIP(host)
}

// StringAttr returns the attribute value if it is a string.
func (m *Mail) StringAttr(key string) string {
	v, _ := m.Attrs[key].(string)
	return v
}

func (m *Mail) String() string {
	sender := m.Sender
	if sender == "" {
		sender = "<>"
	}
	return fmt.Sprintf("%s[%s -> %s, state=%s]", m.Name, sender, strings.Join(m.Rcpts, ","), m.State)
}
