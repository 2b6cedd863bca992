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

package module

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/foxcpp/mailflow/framework/mail"
)

// Table is a string-to-string lookup table.
type Table interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// MultiTable is implemented by tables that can return multiple values for a
// key.
type MultiTable interface {
	LookupMulti(ctx context.Context, key string) ([]string, error)
}

var ErrNoSuchMail = errors.New("repository: no such mail")

// StoredMail describes a mail kept in a Repository.
type StoredMail struct {
	Key        string
	Name       string
	Sender     string
	Rcpts      []string
	State      string
	Error      string
	Repository string
	StoredAt   time.Time
}

// Repository keeps mail that needs operator attention or later
// reprocessing: the dead-letter store and ToRepository targets.
type Repository interface {
	Store(ctx context.Context, m *mail.Mail) (string, error)
	List(ctx context.Context) ([]StoredMail, error)
	Retrieve(ctx context.Context, key string) (*mail.Mail, error)
	Remove(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}

// Submitter accepts newly generated mail (bounces, forwarded copies) for
// routing.
type Submitter interface {
	Submit(ctx context.Context, m *mail.Mail) error
}

var ErrNoSuchBlob = errors.New("blob: no such object")

// UnknownBlobSize is passed to BlobStore.Create when the size of the data is
// not known in advance.
const UnknownBlobSize int64 = -1

// Blob is a blob being written to a BlobStore.
type Blob interface {
	io.Writer
	// Sync is called after all data was written successfully.
	Sync() error
	io.Closer
}

// BlobStore is a storage for message bodies.
type BlobStore interface {
	// Create creates a new blob for writing. blobSize is the exact size of
	// the data or UnknownBlobSize.
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns the reader for the object. ErrNoSuchBlob is returned if it
	// does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a set of keys from store. Non-existent keys are ignored.
	Delete(ctx context.Context, keys []string) error
}
