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

// Package buffer holds message bodies while they are routed.
//
// A Buffer is immutable. Fragments of one mail share the same Buffer, so only
// the owner of the original mail (the spool) calls Remove once routing of all
// fragments is over.
package buffer

import (
	"io"
)

// Buffer is an abstract temporary storage for message bodies.
type Buffer interface {
	// Open creates new Reader reading from the underlying storage.
	Open() (io.ReadCloser, error)

	// Len reports the length of the stored blob.
	Len() int

	// Remove discards buffered body and releases all associated resources.
	// Readers previously created using Open can still be used, but new ones
	// can't be created.
	Remove() error
}

// Auto stores the contents of r in memory if it fits into memLimit bytes and
// spills it to a file in dir otherwise.
func Auto(r io.Reader, dir string, memLimit int) (Buffer, error) {
	head := make([]byte, memLimit+1)
	n, err := io.ReadFull(r, head)
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return MemoryBuffer{Slice: head[:n]}, nil
	case nil:
	default:
		return nil, err
	}
	return InFile(io.MultiReader(bytesReader(head[:n]), r), dir)
}
