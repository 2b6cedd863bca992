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

package limits

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_Concurrency(t *testing.T) {
	g, err := New([]config.Limit{
		{Scope: "ip", Kind: "concurrency", Max: 1},
	})
	require.NoError(t, err)
	defer g.Close()
	g.Timeout = 20 * time.Millisecond

	ctx := context.Background()
	a := net.ParseIP("192.0.2.1")
	b := net.ParseIP("192.0.2.2")

	require.NoError(t, g.TakeMsg(ctx, a, "example.org"))
	assert.Error(t, g.TakeMsg(ctx, a, "example.org"))
	require.NoError(t, g.TakeMsg(ctx, b, "example.org"))

	g.ReleaseMsg(a, "example.org")
	require.NoError(t, g.TakeMsg(ctx, a, "example.org"))
	g.ReleaseMsg(a, "example.org")
	g.ReleaseMsg(b, "example.org")
}

func TestGroup_SourceRate(t *testing.T) {
	g, err := New([]config.Limit{
		{Scope: "all", Kind: "concurrency", Max: 10},
		{Scope: "source", Kind: "rate", Burst: 1, Period: "1h"},
	})
	require.NoError(t, err)
	defer g.Close()
	g.Timeout = 20 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, g.TakeMsg(ctx, nil, "example.org"))
	g.ReleaseMsg(nil, "example.org")

	assert.Error(t, g.TakeMsg(ctx, nil, "example.org"))
	require.NoError(t, g.TakeMsg(ctx, nil, "example.com"))
	g.ReleaseMsg(nil, "example.com")
}

func TestGroup_NoLimits(t *testing.T) {
	g, err := New(nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, g.TakeMsg(context.Background(), nil, ""))
	}
}

func TestNew_Errors(t *testing.T) {
	for _, l := range []config.Limit{
		{Scope: "destination", Kind: "rate", Burst: 1},
		{Scope: "all", Kind: "speed"},
		{Scope: "all", Kind: "rate"},
		{Scope: "all", Kind: "rate", Burst: 1, Period: "soon"},
		{Scope: "all", Kind: "concurrency"},
	} {
		_, err := New([]config.Limit{l})
		assert.Error(t, err, "%+v", l)
	}
}
