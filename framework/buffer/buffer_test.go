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

package buffer

import (
	"bytes"
	"io"
	"testing"
)

func readAll(t *testing.T, b Buffer) []byte {
	t.Helper()
	r, err := b.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func TestAuto(t *testing.T) {
	dir := t.TempDir()
	small := []byte("Subject: hi\r\n\r\nbody\r\n")
	large := bytes.Repeat([]byte("x"), 4096)

	b, err := Auto(bytes.NewReader(small), dir, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(MemoryBuffer); !ok {
		t.Fatalf("small body should stay in memory, got %T", b)
	}
	if !bytes.Equal(readAll(t, b), small) {
		t.Fatal("memory buffer contents mismatch")
	}

	b, err = Auto(bytes.NewReader(large), dir, 1024)
	if err != nil {
		t.Fatal(err)
	}
	fb, ok := b.(FileBuffer)
	if !ok {
		t.Fatalf("large body should be spilled to a file, got %T", b)
	}
	if fb.Len() != len(large) {
		t.Fatalf("wrong length, want %d, got %d", len(large), fb.Len())
	}
	if !bytes.Equal(readAll(t, b), large) {
		t.Fatal("file buffer contents mismatch")
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(); err == nil {
		t.Fatal("Open should fail after Remove")
	}
}
