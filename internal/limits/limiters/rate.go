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

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("limiters: Rate bucket is closed")

// Rate is a token bucket allowing burstSize requests per interval.
//
// If burstSize = 0, all methods are no-op and always succeed.
type Rate struct {
	lim    *rate.Limiter
	closed *atomic.Bool
}

func NewRate(burstSize int, interval time.Duration) Rate {
	r := Rate{closed: new(atomic.Bool)}
	if burstSize <= 0 {
		return r
	}
	r.lim = rate.NewLimiter(rate.Every(interval/time.Duration(burstSize)), burstSize)
	return r
}

func (r Rate) Take() bool {
	return r.TakeContext(context.Background()) == nil
}

func (r Rate) TakeContext(ctx context.Context) error {
	if r.lim == nil {
		return nil
	}
	if r.closed.Load() {
		return ErrClosed
	}
	return r.lim.Wait(ctx)
}

func (r Rate) Release() {
}

func (r Rate) Close() {
	r.closed.Store(true)
}
