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

package limiters

import "context"

// MultiLimit takes all wrapped limiters in order. A failed take releases
// the ones already taken.
type MultiLimit struct {
	Wrapped []L
}

func (ml *MultiLimit) Take() bool {
	return ml.TakeContext(context.Background()) == nil
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			ml.release(i)
			return err
		}
	}
	return nil
}

// release releases the first n limiters in reverse order.
func (ml *MultiLimit) release(n int) {
	for i := n - 1; i >= 0; i-- {
		ml.Wrapped[i].Release()
	}
}

func (ml *MultiLimit) Release() {
	ml.release(len(ml.Wrapped))
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}
