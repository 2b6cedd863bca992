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
	"sync"
	"time"
)

var ErrFull = errors.New("limiters: too many active buckets")

type bucket struct {
	l       L
	lastUse time.Time
}

// BucketSet gives each key its own L, e.g. a rate limit per client IP.
//
// Once the set holds more than MaxBuckets entries, buckets unused for
// ReapInterval are dropped. If none can be dropped, Take fails with ErrFull.
//
// A BucketSet without a New function is no-op.
type BucketSet struct {
	New          func() L
	ReapInterval time.Duration
	MaxBuckets   int

	mLck sync.Mutex
	m    map[string]*bucket
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (r *BucketSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	for _, v := range r.m {
		v.l.Close()
	}
}

func (r *BucketSet) take(key string) (L, error) {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	now := time.Now()
	b, ok := r.m[key]
	if !ok {
		if len(r.m) >= r.MaxBuckets {
			r.reap(now)
			if len(r.m) >= r.MaxBuckets {
				return nil, ErrFull
			}
		}
		b = &bucket{l: r.New()}
		r.m[key] = b
	}
	b.lastUse = now
	return b.l, nil
}

func (r *BucketSet) reap(now time.Time) {
	for k, v := range r.m {
		if now.Sub(v.lastUse) > r.ReapInterval {
			// A Take waiting on the dropped bucket fails. This happens only
			// under high load.
			v.l.Close()
			delete(r.m, k)
		}
	}
}

func (r *BucketSet) Take(key string) bool {
	if r.New == nil {
		return true
	}
	l, err := r.take(key)
	if err != nil {
		return false
	}
	return l.Take()
}

func (r *BucketSet) Release(key string) {
	if r.New == nil {
		return
	}

	r.mLck.Lock()
	defer r.mLck.Unlock()

	b, ok := r.m[key]
	if !ok {
		return
	}
	b.l.Release()
}

func (r *BucketSet) TakeContext(ctx context.Context, key string) error {
	if r.New == nil {
		return nil
	}
	l, err := r.take(key)
	if err != nil {
		return err
	}
	return l.TakeContext(ctx)
}

// Len returns the number of buckets in the set.
func (r *BucketSet) Len() int {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	return len(r.m)
}
