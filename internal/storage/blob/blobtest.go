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

// Package blob contains the conformance tests shared by BlobStore
// implementations.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/mailflow/framework/module"
)

func put(t *testing.T, store module.BlobStore, key string, data []byte, size int64) {
	t.Helper()
	b, err := store.Create(context.Background(), key, size)
	if err != nil {
		t.Fatal("Create:", err)
	}
	if _, err := b.Write(data); err != nil {
		t.Fatal("Write:", err)
	}
	if err := b.Sync(); err != nil {
		t.Fatal("Sync:", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal("Close:", err)
	}
}

func get(t *testing.T, store module.BlobStore, key string) []byte {
	t.Helper()
	r, err := store.Open(context.Background(), key)
	if err != nil {
		t.Fatal("Open:", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal("ReadAll:", err)
	}
	return data
}

// TestStore runs the common tests against the store created by newStore.
func TestStore(t *testing.T, newStore func(t *testing.T) module.BlobStore) {
	t.Run("CreateOpen", func(t *testing.T) {
		store := newStore(t)
		body := []byte("Subject: test\r\n\r\nbody\r\n")
		put(t, store, "key1", body, int64(len(body)))
		put(t, store, "key2", bytes.Repeat([]byte("x"), 4096), module.UnknownBlobSize)

		if got := get(t, store, "key1"); !bytes.Equal(got, body) {
			t.Errorf("wrong data: %q", got)
		}
		if got := get(t, store, "key2"); len(got) != 4096 {
			t.Errorf("wrong data length: %d", len(got))
		}
	})
	t.Run("Overwrite", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "key1", []byte("long old value"), module.UnknownBlobSize)
		put(t, store, "key1", []byte("new"), 3)
		if got := get(t, store, "key1"); string(got) != "new" {
			t.Errorf("wrong data: %q", got)
		}
	})
	t.Run("Missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Open(context.Background(), "missing")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("want ErrNoSuchBlob, got %v", err)
		}
	})
	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "key1", []byte("a"), 1)
		put(t, store, "key2", []byte("b"), 1)
		if err := store.Delete(context.Background(), []string{"key1"}); err != nil {
			t.Fatal("Delete:", err)
		}
		if _, err := store.Open(context.Background(), "key1"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("deleted blob still exists: %v", err)
		}
		if got := get(t, store, "key2"); string(got) != "b" {
			t.Errorf("wrong data: %q", got)
		}
	})
}
