// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires the protocol adapters, the relay and the identity
// resolver together and owns the configuration generations.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/discord"
	"github.com/aiku/atl-bridge/pkg/event"
	"github.com/aiku/atl-bridge/pkg/gateway"
	"github.com/aiku/atl-bridge/pkg/identity"
	"github.com/aiku/atl-bridge/pkg/irc"
	"github.com/aiku/atl-bridge/pkg/xmpp"
)

// Source is the bus source name of events published by the bridge itself.
const Source = "bridge"

// ShutdownGrace is how long Run waits for the adapters after its context is
// cancelled.
const ShutdownGrace = 5 * time.Second

// Loader reads a fresh configuration generation.
type Loader func() (*config.Config, error)

type Bridge struct {
	log  zerolog.Logger
	load Loader
	cfg  atomic.Pointer[config.Config]

	bus    *gateway.Bus
	router *gateway.ChannelRouter
	ids    *gateway.MessageIDResolver
	relay  *gateway.Relay

	identity identity.Resolver
	cached   *identity.Cached

	irc     *irc.Adapter
	xmpp    *xmpp.Adapter
	discord *discord.Adapter

	reloadMu sync.Mutex
	grace    time.Duration
}

// New builds every component for cfg. load is used by Reload; it may be nil,
// in which case reloading fails.
func New(log zerolog.Logger, cfg *config.Config, load Loader) *Bridge {
	b := &Bridge{
		log:    log,
		load:   load,
		bus:    gateway.NewBus(log.With().Str("component", "bus").Logger()),
		router: gateway.NewChannelRouter(cfg.Mappings),
		ids:    gateway.NewMessageIDResolver(),
		grace:  ShutdownGrace,
	}
	b.cfg.Store(cfg)
	b.identity, b.cached = newResolver(log, cfg)
	b.relay = gateway.NewRelay(log.With().Str("component", "relay").Logger(), b.bus, b.router, cfg.ContentFilters())

	b.irc = irc.NewAdapter(log, cfg, b.bus, b.router, b.ids, b.identity)
	var files discord.FileSender
	if cfg.Env.XMPPComponentConfigured() {
		b.xmpp = xmpp.NewAdapter(log, cfg, b.bus, b.router, b.ids, b.identity)
		files = b.xmpp
	} else {
		log.Warn().Msg("XMPP component not configured, XMPP leg disabled")
	}
	b.discord = discord.NewAdapter(log, cfg, b.bus, b.router, b.ids, b.identity, files)

	b.bus.Register(b.relay)
	b.bus.Register(b.irc)
	if b.xmpp != nil {
		b.bus.Register(b.xmpp)
	}
	b.bus.Register(b.discord)
	return b
}

// newResolver picks the identity backend: the Portal when a base URL is
// set, the static dev map when dev puppets are enabled, otherwise none.
func newResolver(log zerolog.Logger, cfg *config.Config) (identity.Resolver, *identity.Cached) {
	if base := cfg.Env.PortalBase(); base != "" {
		cached := identity.NewCached(identity.NewPortalClient(log, base, cfg.Env.PortalAuthToken()), cfg.IdentityCacheTTL())
		log.Info().Str("portal", base).Msg("Using Portal identity resolution")
		return cached, cached
	}
	if cfg.Env.DevPuppetsEnabled() {
		log.Info().Msg("Using dev identity map")
		return identity.NewDev(cfg.Env.DevIRCNickMap), nil
	}
	log.Info().Msg("No identity resolution configured, puppets disabled")
	return nil, nil
}

// Config returns the live configuration generation.
func (b *Bridge) Config() *config.Config {
	return b.cfg.Load()
}

// Run starts every adapter and the admin API and blocks until ctx is done
// or an adapter fails. After cancellation it waits at most the shutdown
// grace for the adapters to say goodbye.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cached != nil {
		go b.cached.Start()
		defer b.cached.Stop()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.irc.Run(gctx) })
	if b.xmpp != nil {
		g.Go(func() error { return b.xmpp.Run(gctx) })
	}
	g.Go(func() error { return b.discord.Run(gctx) })
	if addr := apiAddr(b.Config()); addr != "" {
		g.Go(func() error { return b.serveAPI(gctx, addr) })
	}
	b.log.Info().Int("mappings", len(b.router.All())).Msg("Bridge started")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case err := <-done:
		b.log.Info().Msg("Bridge stopped")
		return err
	case <-timer.C:
		b.log.Warn().Dur("grace", b.grace).Msg("Adapters did not stop in time")
		return nil
	}
}

// Reload loads a new configuration generation and installs it. On error the
// current generation stays live.
func (b *Bridge) Reload() (*config.Config, error) {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()
	if b.load == nil {
		return nil, errNoLoader
	}
	cfg, err := b.load()
	if err != nil {
		b.log.Error().Err(err).Msg("Config reload failed, keeping current config")
		return nil, err
	}
	b.apply(cfg)
	b.log.Info().Int("mappings", len(cfg.Mappings)).Msg("Config reloaded")
	return cfg, nil
}

func (b *Bridge) apply(cfg *config.Config) {
	b.cfg.Store(cfg)
	b.router.LoadFromConfig(cfg)
	b.relay.UpdateConfig(cfg)
	b.irc.UpdateConfig(cfg)
	if b.xmpp != nil {
		b.xmpp.UpdateConfig(cfg)
	}
	b.discord.UpdateConfig(cfg)
	b.bus.Publish(Source, &event.ConfigReload{})
}

// Status is the snapshot served by GET /api/status.
type Status struct {
	Mappings         int               `json:"mappings"`
	IRC              map[string]string `json:"irc"`
	Puppets          int               `json:"puppets"`
	IRCDropped       int64             `json:"irc_dropped"`
	XMPPConnected    bool              `json:"xmpp_connected"`
	DiscordConnected bool              `json:"discord_connected"`
}

func (b *Bridge) Status() Status {
	st := Status{
		Mappings:         len(b.router.All()),
		IRC:              b.irc.Status(),
		Puppets:          b.irc.PuppetCount(),
		IRCDropped:       b.irc.Dropped(),
		DiscordConnected: b.discord.Connected(),
	}
	if b.xmpp != nil {
		st.XMPPConnected = b.xmpp.Connected()
	}
	return st
}
