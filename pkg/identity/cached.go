// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// CacheCapacity bounds the number of cached lookups.
const CacheCapacity = 1024

// Cached is the production Resolver: Portal lookups behind a TTL cache.
// Misses are cached too, so unlinked users do not hit the Portal on every
// message.
type Cached struct {
	lookup Lookup
	cache  *ttlcache.Cache[string, *Identity]
	group  singleflight.Group
}

var _ Resolver = (*Cached)(nil)

// NewCached wraps lookup with a cache holding answers for ttl.
func NewCached(lookup Lookup, ttl time.Duration) *Cached {
	return &Cached{
		lookup: lookup,
		cache: ttlcache.New[string, *Identity](
			ttlcache.WithTTL[string, *Identity](ttl),
			ttlcache.WithCapacity[string, *Identity](CacheCapacity),
			ttlcache.WithDisableTouchOnHit[string, *Identity](),
		),
	}
}

// Start runs the expiry loop until Stop is called.
func (c *Cached) Start() { c.cache.Start() }

// Stop ends the expiry loop.
func (c *Cached) Stop() { c.cache.Stop() }

// Len returns the number of cached answers, including negative ones.
func (c *Cached) Len() int { return c.cache.Len() }

func (c *Cached) get(ctx context.Context, kind LookupKind, value, server string) (*Identity, error) {
	if value == "" {
		return nil, nil
	}
	key := string(kind) + "\x00" + value + ":" + strings.ToLower(server)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		ident, err := c.lookup.Lookup(ctx, kind, value, server)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, ident, ttlcache.DefaultTTL)
		return ident, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Identity), nil
}

func (c *Cached) field(ctx context.Context, kind LookupKind, value, server string, pick func(*Identity) string) (string, error) {
	ident, err := c.get(ctx, kind, value, server)
	if err != nil || ident == nil {
		return "", err
	}
	return pick(ident), nil
}

func ircNick(i *Identity) string    { return i.IRCNick }
func xmppJID(i *Identity) string    { return i.XMPPJID }
func discordID(i *Identity) string  { return i.DiscordID }
func portalUser(i *Identity) string { return i.UserID }

func (c *Cached) DiscordToIRC(ctx context.Context, id string) (string, error) {
	return c.field(ctx, ByDiscord, id, "", ircNick)
}

func (c *Cached) DiscordToXMPP(ctx context.Context, id string) (string, error) {
	return c.field(ctx, ByDiscord, id, "", xmppJID)
}

func (c *Cached) DiscordToPortalUser(ctx context.Context, id string) (string, error) {
	return c.field(ctx, ByDiscord, id, "", portalUser)
}

func (c *Cached) IRCToDiscord(ctx context.Context, nick, server string) (string, error) {
	return c.field(ctx, ByIRC, nick, server, discordID)
}

func (c *Cached) IRCToXMPP(ctx context.Context, nick, server string) (string, error) {
	return c.field(ctx, ByIRC, nick, server, xmppJID)
}

func (c *Cached) IRCToPortalUser(ctx context.Context, nick, server string) (string, error) {
	return c.field(ctx, ByIRC, nick, server, portalUser)
}

func (c *Cached) XMPPToDiscord(ctx context.Context, jid string) (string, error) {
	return c.field(ctx, ByXMPP, jid, "", discordID)
}

func (c *Cached) XMPPToIRC(ctx context.Context, jid string) (string, error) {
	return c.field(ctx, ByXMPP, jid, "", ircNick)
}

func (c *Cached) XMPPToPortalUser(ctx context.Context, jid string) (string, error) {
	return c.field(ctx, ByXMPP, jid, "", portalUser)
}

// HasIRC reports whether the Discord user has a linked IRC nick.
func (c *Cached) HasIRC(ctx context.Context, id string) (bool, error) {
	nick, err := c.DiscordToIRC(ctx, id)
	return nick != "", err
}

// HasXMPP reports whether the Discord user has a linked XMPP account.
func (c *Cached) HasXMPP(ctx context.Context, id string) (bool, error) {
	jid, err := c.DiscordToXMPP(ctx, id)
	return jid != "", err
}
