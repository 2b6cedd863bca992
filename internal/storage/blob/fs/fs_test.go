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

package fs

import (
	"context"
	"testing"

	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/storage/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS(t *testing.T) {
	blob.TestStore(t, func(t *testing.T) module.BlobStore {
		store, err := New(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestFS_Keys(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		_, err := store.Create(context.Background(), key, 0)
		assert.Error(t, err, "key %q", key)
	}

	assert.NoError(t, store.Delete(context.Background(), []string{"missing"}))

	_, err = New("")
	assert.Error(t, err)
}
