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

package mail

import (
	"reflect"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/buffer"
)

func testMail() *Mail {
	hdr := textproto.Header{}
	hdr.Add("Subject", "test")
	return New("sender@example.org",
		[]string{"alice@example.org", "bob@example.org", "ALICE@example.org"},
		hdr, buffer.MemoryBuffer{Slice: []byte("body\r\n")})
}

func TestNew_Dedup(t *testing.T) {
	m := testMail()
	want := []string{"alice@example.org", "bob@example.org"}
	if !reflect.DeepEqual(m.Rcpts, want) {
		t.Fatalf("wrong recipients, want %v, got %v", want, m.Rcpts)
	}
	if m.State != "" {
		t.Fatalf("wrong initial state: %s", m.State)
	}
	if m.Name == "" {
		t.Fatal("empty name")
	}
}

func TestFork_Isolated(t *testing.T) {
	m := testMail()
	m.SetAttr("a", 1)

	f := m.Fork(m.Name+"-1", []string{"bob@example.org"})
	f.SetAttr("a", 2)
	f.Header.Set("Subject", "changed")
	f.Rcpts[0] = "eve@example.org"

	if v, _ := m.Attr("a"); v != 1 {
		t.Fatalf("attribute leaked into the original: %v", v)
	}
	if subj := m.Header.Get("Subject"); subj != "test" {
		t.Fatalf("header change leaked into the original: %s", subj)
	}
	if m.Rcpts[1] != "bob@example.org" {
		t.Fatal("recipient change leaked into the original")
	}
	if &f.Body.(buffer.MemoryBuffer).Slice[0] != &m.Body.(buffer.MemoryBuffer).Slice[0] {
		t.Fatal("body buffer should be shared")
	}
}

func TestClone_AttrContainers(t *testing.T) {
	m := testMail()
	m.SetAttr("list", []string{"a"})
	m.SetAttr("map", map[string]interface{}{"k": []interface{}{"v"}})
	m.SetAttr("raw", []byte("x"))

	c := m.Clone()
	c.Attrs["list"].([]string)[0] = "changed"
	c.Attrs["map"].(map[string]interface{})["k"].([]interface{})[0] = "changed"
	c.Attrs["map"].(map[string]interface{})["new"] = true
	c.Attrs["raw"].([]byte)[0] = 'y'

	if v := m.Attrs["list"].([]string)[0]; v != "a" {
		t.Errorf("slice attribute shared with the clone: %v", v)
	}
	inner := m.Attrs["map"].(map[string]interface{})
	if v := inner["k"].([]interface{})[0]; v != "v" {
		t.Errorf("nested attribute shared with the clone: %v", v)
	}
	if _, ok := inner["new"]; ok {
		t.Error("map attribute shared with the clone")
	}
	if v := m.Attrs["raw"].([]byte)[0]; v != 'x' {
		t.Errorf("byte slice attribute shared with the clone: %c", v)
	}
}

func TestRcptSetOps(t *testing.T) {
	rcpts := []string{"a@x", "b@x", "c@x"}

	if got := Intersect(rcpts, []string{"C@X", "a@x", "z@x"}); !reflect.DeepEqual(got, []string{"a@x", "c@x"}) {
		t.Fatalf("Intersect: got %v", got)
	}
	if got := Subtract(rcpts, []string{"b@x"}); !reflect.DeepEqual(got, []string{"a@x", "c@x"}) {
		t.Fatalf("Subtract: got %v", got)
	}
	if !IsSubset(rcpts, []string{"b@x"}) || IsSubset(rcpts, []string{"q@x"}) {
		t.Fatal("IsSubset misbehaves")
	}
}

func TestSize(t *testing.T) {
	m := testMail()
	// "Subject" + "test" + ": " + "\r\n" + final CRLF + body
	want := 7 + 4 + 4 + 2 + 6
	if m.Size() != want {
		t.Fatalf("want %d, got %d", want, m.Size())
	}
}

func TestRemoteIP(t *testing.T) {
	m := testMail()
	for addr, want := range map[string]string{
		"192.0.2.1:25":       "192.0.2.1",
		"[2001:db8::1]:587":  "2001:db8::1",
		"192.0.2.2":          "192.0.2.2",
		"cli":                "<nil>",
		"":                   "<nil>",
		"/run/mailflow.sock": "<nil>",
	} {
		m.RemoteAddr = addr
		if got := m.RemoteIP().String(); got != want {
			t.Errorf("%q: want %s, got %s", addr, want, got)
		}
	}
}
