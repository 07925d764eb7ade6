// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/atl-bridge/pkg/identity"
)

type noIdentities struct{}

func (noIdentities) Lookup(context.Context, identity.LookupKind, string, string) (*identity.Identity, error) {
	return nil, nil
}

func newTestPool(t *testing.T, resolver identity.Resolver, opts PuppetOptions) (*PuppetPool, *time.Time) {
	t.Helper()
	pool := NewPuppetPool(zerolog.Nop(), resolver, opts)
	now := time.Unix(1700000000, 0)
	pool.now = func() time.Time { return now }
	pool.newClient = func(cfg ClientConfig) *Client {
		c := NewClient(zerolog.Nop(), cfg, nil)
		c.dial = drainDial
		return c
	}
	t.Cleanup(pool.StopAll)
	return pool, &now
}

func TestPuppetPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool, now := newTestPool(t, identity.NewDev("111:alice"), PuppetOptions{
		Postfix:     "[d]",
		IdleTimeout: 24 * time.Hour,
	})

	p, err := pool.GetOrCreate(ctx, "111", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "alice[d]", p.Client.Nick())
	assert.Equal(t, []string{"#chan"}, p.Client.Channels())
	assert.Equal(t, 1, pool.Count())
	assert.True(t, pool.IsPuppetNick("ALICE[d]"))
	assert.False(t, pool.IsPuppetNick("alice"))

	again, err := pool.GetOrCreate(ctx, "111", "irc.example.com", 6667, false, "#other")
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, []string{"#chan", "#other"}, p.Client.Channels())

	dev, err := pool.GetOrCreate(ctx, "123456789012345678", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "atl_dev_12345678[d]", dev.Client.Nick())
	assert.Equal(t, 2, pool.Count())

	*now = now.Add(time.Hour)
	p.Touch(*now)
	*now = now.Add(24 * time.Hour)
	assert.Equal(t, 1, pool.SweepIdle(), "only the untouched puppet is idle")
	assert.Equal(t, 1, pool.Count())
	assert.True(t, pool.IsPuppetNick("alice[d]"))

	pool.StopAll()
	assert.Equal(t, 0, pool.Count())
}

func TestPuppetPoolWithoutNick(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, identity.NewCached(noIdentities{}, time.Hour), PuppetOptions{})
	p, err := pool.GetOrCreate(context.Background(), "999", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, pool.Count())
}

func TestPuppetPoolSweepDisabled(t *testing.T) {
	t.Parallel()
	pool, now := newTestPool(t, identity.NewDev(""), PuppetOptions{})
	_, err := pool.GetOrCreate(context.Background(), "42", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	*now = now.Add(1000 * time.Hour)
	assert.Equal(t, 0, pool.SweepIdle())
	assert.Equal(t, 1, pool.Count())
}

func TestPuppetPoolCached(t *testing.T) {
	t.Parallel()
	pool, now := newTestPool(t, identity.NewCached(noIdentities{}, time.Hour), PuppetOptions{})

	p, known := pool.Cached("999", "#chan")
	assert.Nil(t, p)
	assert.False(t, known, "never looked up")

	_, err := pool.GetOrCreate(context.Background(), "999", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	p, known = pool.Cached("999", "#chan")
	assert.Nil(t, p)
	assert.True(t, known, "miss is remembered")

	*now = now.Add(puppetMissTTL)
	_, known = pool.Cached("999", "#chan")
	assert.False(t, known, "miss expired")
	pool.SweepIdle()
	assert.Empty(t, pool.misses)
}

func TestPuppetPoolCachedLive(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, identity.NewDev("111:alice"), PuppetOptions{})
	created, err := pool.GetOrCreate(context.Background(), "111", "irc.example.com", 6667, false, "#chan")
	require.NoError(t, err)
	p, known := pool.Cached("111", "#other")
	assert.True(t, known)
	assert.Same(t, created, p)
	assert.Equal(t, []string{"#chan", "#other"}, p.Client.Channels())
}
