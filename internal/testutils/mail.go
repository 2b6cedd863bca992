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
	"bufio"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/mail"
)

const DeliveryData = "A: 1\r\n" +
	"B: 2\r\n" +
	"\r\n" +
	"foobar\r\n"

// Mail creates a mail in the root state with a header and body parsed from
// DeliveryData.
func Mail(t *testing.T, name, sender string, rcpts ...string) *mail.Mail {
	t.Helper()

	m := MailFromString(t, DeliveryData, sender, rcpts...)
	if name != "" {
		m.Name = name
	}
	return m
}

// MailFromString creates a mail from a literal message. Bare LF line endings
// are converted to CRLF.
func MailFromString(t *testing.T, literal, sender string, rcpts ...string) *mail.Mail {
	t.Helper()

	literal = strings.ReplaceAll(strings.ReplaceAll(literal, "\r\n", "\n"), "\n", "\r\n")
	br := bufio.NewReader(strings.NewReader(literal))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	body, err := buffer.InMemory(br)
	if err != nil {
		t.Fatal(err)
	}
	return mail.New(sender, rcpts, hdr, body)
}
