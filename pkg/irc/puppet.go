// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/identity"
)

// PuppetSweepInterval is how often idle puppets are looked for.
const PuppetSweepInterval = time.Hour

// puppetMissTTL is how long a user without an IRC nick is remembered.
const puppetMissTTL = 5 * time.Minute

// Puppet is an IRC connection speaking for one remote user.
type Puppet struct {
	DiscordID string
	Client    *Client

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch marks the puppet as active.
func (p *Puppet) Touch(now time.Time) {
	p.mu.Lock()
	p.lastActivity = now
	p.mu.Unlock()
}

// LastActivity returns when the puppet last sent something.
func (p *Puppet) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *Puppet) stop() {
	p.cancel()
	<-p.done
}

// PuppetOptions configures every puppet a pool creates.
type PuppetOptions struct {
	Postfix         string
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	PrejoinCommands []string
	TLSVerify       bool
	ThrottleLimit   int
	QueueSize       int
}

// PuppetPool owns the puppet connections of one IRC server, keyed by
// Discord user id.
type PuppetPool struct {
	log      zerolog.Logger
	identity identity.Resolver
	opts     PuppetOptions
	now      func() time.Time

	// newClient is replaced in tests.
	newClient func(cfg ClientConfig) *Client

	mu      sync.RWMutex
	puppets map[string]*Puppet
	misses  map[string]time.Time
}

// NewPuppetPool returns an empty pool. Puppets connect to target's server.
func NewPuppetPool(log zerolog.Logger, resolver identity.Resolver, opts PuppetOptions) *PuppetPool {
	pool := &PuppetPool{
		log:      log.With().Str("component", "irc_puppets").Logger(),
		identity: resolver,
		opts:     opts,
		now:      time.Now,
		puppets:  make(map[string]*Puppet),
		misses:   make(map[string]time.Time),
	}
	pool.newClient = func(cfg ClientConfig) *Client {
		return NewClient(pool.log, cfg, nil)
	}
	return pool
}

// Cached answers without an identity lookup. known is true when discordID
// has a live puppet, which is returned after joining channel, or was
// recently resolved to no IRC nick, in which case the puppet is nil.
func (pp *PuppetPool) Cached(discordID, channel string) (puppet *Puppet, known bool) {
	pp.mu.RLock()
	puppet, ok := pp.puppets[discordID]
	missed, isMiss := pp.misses[discordID]
	pp.mu.RUnlock()
	if ok {
		puppet.Touch(pp.now())
		puppet.Client.Join(channel)
		return puppet, true
	}
	return nil, isMiss && pp.now().Sub(missed) < puppetMissTTL
}

// GetOrCreate returns the puppet of discordID, connecting a new one on
// server when needed. It returns nil when the user has no IRC nick.
func (pp *PuppetPool) GetOrCreate(ctx context.Context, discordID, server string, port int, useTLS bool, channel string) (*Puppet, error) {
	pp.mu.RLock()
	puppet, ok := pp.puppets[discordID]
	pp.mu.RUnlock()
	if ok {
		puppet.Touch(pp.now())
		puppet.Client.Join(channel)
		return puppet, nil
	}

	nick, err := pp.identity.DiscordToIRC(ctx, discordID)
	if err != nil {
		return nil, err
	}
	if nick == "" {
		pp.log.Debug().Str("discord_id", discordID).Msg("No IRC nick for user, not creating puppet")
		pp.mu.Lock()
		pp.misses[discordID] = pp.now()
		pp.mu.Unlock()
		return nil, nil
	}
	nick = identity.SanitizeNick(nick + pp.opts.Postfix)

	pp.mu.Lock()
	defer pp.mu.Unlock()
	delete(pp.misses, discordID)
	if existing, ok := pp.puppets[discordID]; ok {
		existing.Touch(pp.now())
		existing.Client.Join(channel)
		return existing, nil
	}
	client := pp.newClient(ClientConfig{
		Server:               server,
		Port:                 port,
		TLS:                  useTLS,
		TLSVerify:            pp.opts.TLSVerify,
		Nick:                 nick,
		Channels:             []string{channel},
		MaxReconnectAttempts: 3,
		PrejoinCommands:      pp.opts.PrejoinCommands,
		PingInterval:         pp.opts.PingInterval,
		ThrottleLimit:        pp.opts.ThrottleLimit,
		QueueSize:            pp.opts.QueueSize,
	})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	puppet = &Puppet{
		DiscordID:    discordID,
		Client:       client,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: pp.now(),
	}
	pp.puppets[discordID] = puppet
	go func() {
		defer close(puppet.done)
		if err := client.Run(runCtx); err != nil {
			pp.log.Warn().Err(err).Str("discord_id", discordID).Str("nick", nick).Msg("IRC puppet stopped")
		}
		pp.forget(puppet)
	}()
	pp.log.Info().
		Str("discord_id", discordID).
		Str("nick", nick).
		Str("server", server).
		Msg("Created IRC puppet")
	return puppet, nil
}

func (pp *PuppetPool) forget(p *Puppet) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.puppets[p.DiscordID] == p {
		delete(pp.puppets, p.DiscordID)
	}
}

// IsPuppetNick reports whether nick belongs to one of our puppets. Thread-safe.
func (pp *PuppetPool) IsPuppetNick(nick string) bool {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	for _, p := range pp.puppets {
		if strings.EqualFold(p.Client.Nick(), nick) {
			return true
		}
	}
	return false
}

// Count returns the number of live puppets. Thread-safe.
func (pp *PuppetPool) Count() int {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return len(pp.puppets)
}

// SweepIdle disconnects puppets idle for longer than the idle timeout and
// returns how many were removed.
func (pp *PuppetPool) SweepIdle() int {
	now := pp.now()
	pp.mu.Lock()
	for id, missed := range pp.misses {
		if now.Sub(missed) >= puppetMissTTL {
			delete(pp.misses, id)
		}
	}
	pp.mu.Unlock()
	if pp.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-pp.opts.IdleTimeout)
	var idle []*Puppet
	pp.mu.Lock()
	for id, p := range pp.puppets {
		if p.LastActivity().Before(cutoff) {
			idle = append(idle, p)
			delete(pp.puppets, id)
		}
	}
	pp.mu.Unlock()
	for _, p := range idle {
		p.stop()
		pp.log.Info().Str("discord_id", p.DiscordID).Msg("Disconnected idle IRC puppet")
	}
	return len(idle)
}

// Run sweeps idle puppets until ctx is done, then stops every puppet.
func (pp *PuppetPool) Run(ctx context.Context) {
	ticker := time.NewTicker(PuppetSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pp.StopAll()
			return
		case <-ticker.C:
			pp.SweepIdle()
		}
	}
}

// StopAll disconnects every puppet.
func (pp *PuppetPool) StopAll() {
	pp.mu.Lock()
	all := make([]*Puppet, 0, len(pp.puppets))
	for _, p := range pp.puppets {
		all = append(all, p)
	}
	clear(pp.puppets)
	pp.mu.Unlock()
	for _, p := range all {
		p.stop()
	}
}
