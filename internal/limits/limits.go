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

// Package limits restricts the concurrency and rate of the incoming message
// flow globally, per client IP or per sender domain.
//
// Domain inputs are assumed to be already normalized.
//
// Low-level components are available in the limiters/ subpackage.
package limits

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/internal/limits/limiters"
)

// DefaultTimeout bounds the time TakeMsg waits for a slot.
const DefaultTimeout = 5 * time.Second

type Group struct {
	Timeout time.Duration

	global limiters.MultiLimit
	ip     *limiters.BucketSet // BucketSet of MultiLimit
	source *limiters.BucketSet // BucketSet of MultiLimit
}

func New(cfg []config.Limit) (*Group, error) {
	var (
		globalL []limiters.L
		ipL     []func() limiters.L
		sourceL []func() limiters.L
	)

	for _, l := range cfg {
		ctor, err := limitCtor(l)
		if err != nil {
			return nil, err
		}

		switch l.Scope {
		case "all":
			globalL = append(globalL, ctor())
		case "ip":
			ipL = append(ipL, ctor)
		case "source":
			sourceL = append(sourceL, ctor)
		default:
			return nil, fmt.Errorf("limits: unknown limit scope: %v", l.Scope)
		}
	}

	g := &Group{
		Timeout: DefaultTimeout,
		global:  limiters.MultiLimit{Wrapped: globalL},
		ip:      bucketSet(ipL),
		source:  bucketSet(sourceL),
	}
	return g, nil
}

// bucketSet returns nil for an empty ctors list. 20010 is slightly higher
// than the default max. recipients count of the SMTP endpoint.
func bucketSet(ctors []func() limiters.L) *limiters.BucketSet {
	if len(ctors) == 0 {
		return nil
	}
	return limiters.NewBucketSet(func() limiters.L {
		l := make([]limiters.L, 0, len(ctors))
		for _, ctor := range ctors {
			l = append(l, ctor())
		}
		return &limiters.MultiLimit{Wrapped: l}
	}, 1*time.Minute, 20010)
}

func limitCtor(l config.Limit) (func() limiters.L, error) {
	switch l.Kind {
	case "rate":
		period := 1 * time.Second
		if l.Period != "" {
			var err error
			period, err = time.ParseDuration(l.Period)
			if err != nil {
				return nil, fmt.Errorf("limits: %v", err)
			}
		}
		if l.Burst <= 0 {
			return nil, fmt.Errorf("limits: burst size must be positive")
		}
		return func() limiters.L {
			return limiters.NewRate(l.Burst, period)
		}, nil
	case "concurrency":
		if l.Max <= 0 {
			return nil, fmt.Errorf("limits: max concurrency must be positive")
		}
		return func() limiters.L {
			return limiters.NewSemaphore(l.Max)
		}, nil
	default:
		return nil, fmt.Errorf("limits: unknown limit kind: %v", l.Kind)
	}
}

func ipKey(addr net.IP) string {
	if addr == nil {
		return "local"
	}
	return addr.String()
}

// TakeMsg acquires the slots for a message from addr with the given sender
// domain. Every successful call must be paired with ReleaseMsg.
func (g *Group) TakeMsg(ctx context.Context, addr net.IP, sourceDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}

	if g.ip != nil {
		if err := g.ip.TakeContext(ctx, ipKey(addr)); err != nil {
			g.global.Release()
			return err
		}
	}
	if g.source != nil {
		if err := g.source.TakeContext(ctx, sourceDomain); err != nil {
			g.global.Release()
			if g.ip != nil {
				g.ip.Release(ipKey(addr))
			}
			return err
		}
	}
	return nil
}

func (g *Group) ReleaseMsg(addr net.IP, sourceDomain string) {
	g.global.Release()
	if g.ip != nil {
		g.ip.Release(ipKey(addr))
	}
	if g.source != nil {
		g.source.Release(sourceDomain)
	}
}

func (g *Group) Close() error {
	g.global.Close()
	if g.ip != nil {
		g.ip.Close()
	}
	if g.source != nil {
		g.source.Close()
	}
	return nil
}
