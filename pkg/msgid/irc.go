// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package msgid holds the in-memory tables that correlate message ids
// across protocols. Entries expire after a TTL; expired entries are swept
// lazily on every lookup.
package msgid

import (
	"sync"
	"time"

	"go.mau.fi/util/variationselector"
)

// DefaultTTL is how long a correlation is remembered.
const DefaultTTL = time.Hour

type ircPair struct {
	ircID     string
	discordID string
	stored    time.Time
}

// ReactionKey identifies one user's reaction on one Discord message.
type ReactionKey struct {
	DiscordID string
	Emoji     string
	AuthorID  string
}

type reactionPair struct {
	key    ReactionKey
	msgID  string
	stored time.Time
}

// IRCTracker correlates IRCv3 msgids with Discord message ids, and reaction
// TAGMSGs with the reaction they carry.
type IRCTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	byIRC     map[string]*ircPair
	byDiscord map[string]*ircPair
	order     []*ircPair

	reactionsByKey   map[ReactionKey]*reactionPair
	reactionsByMsgID map[string]*reactionPair
	reactionOrder    []*reactionPair
}

func NewIRCTracker(ttl time.Duration) *IRCTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IRCTracker{
		ttl:              ttl,
		now:              time.Now,
		byIRC:            make(map[string]*ircPair),
		byDiscord:        make(map[string]*ircPair),
		reactionsByKey:   make(map[ReactionKey]*reactionPair),
		reactionsByMsgID: make(map[string]*reactionPair),
	}
}

// Store links ircMsgID and discordID. Any earlier link of either id is
// dropped in both directions.
func (t *IRCTracker) Store(ircMsgID, discordID string) {
	if ircMsgID == "" || discordID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if old := t.byIRC[ircMsgID]; old != nil {
		t.unlink(old)
	}
	if old := t.byDiscord[discordID]; old != nil {
		t.unlink(old)
	}
	p := &ircPair{ircID: ircMsgID, discordID: discordID, stored: t.now()}
	t.byIRC[ircMsgID] = p
	t.byDiscord[discordID] = p
	t.order = append(t.order, p)
}

func (t *IRCTracker) DiscordOf(ircMsgID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if p := t.byIRC[ircMsgID]; p != nil {
		return p.discordID, true
	}
	return "", false
}

func (t *IRCTracker) IRCOf(discordID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if p := t.byDiscord[discordID]; p != nil {
		return p.ircID, true
	}
	return "", false
}

func reactionKey(discordID, emoji, authorID string) ReactionKey {
	return ReactionKey{DiscordID: discordID, Emoji: variationselector.Remove(emoji), AuthorID: authorID}
}

// StoreReaction records the msgid of the TAGMSG carrying a reaction so a
// later removal can REDACT it, and an incoming REDACT can be mapped back.
func (t *IRCTracker) StoreReaction(discordID, emoji, authorID, reactionMsgID string) {
	if reactionMsgID == "" {
		return
	}
	key := reactionKey(discordID, emoji, authorID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if old := t.reactionsByKey[key]; old != nil {
		t.unlinkReaction(old)
	}
	if old := t.reactionsByMsgID[reactionMsgID]; old != nil {
		t.unlinkReaction(old)
	}
	p := &reactionPair{key: key, msgID: reactionMsgID, stored: t.now()}
	t.reactionsByKey[key] = p
	t.reactionsByMsgID[reactionMsgID] = p
	t.reactionOrder = append(t.reactionOrder, p)
}

func (t *IRCTracker) ReactionMsgIDOf(discordID, emoji, authorID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if p := t.reactionsByKey[reactionKey(discordID, emoji, authorID)]; p != nil {
		return p.msgID, true
	}
	return "", false
}

func (t *IRCTracker) ReactionKeyOf(reactionMsgID string) (ReactionKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if p := t.reactionsByMsgID[reactionMsgID]; p != nil {
		return p.key, true
	}
	return ReactionKey{}, false
}

// ForgetReaction drops a reaction once it has been removed.
func (t *IRCTracker) ForgetReaction(reactionMsgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.reactionsByMsgID[reactionMsgID]; p != nil {
		t.unlinkReaction(p)
	}
}

// Len returns the number of live message pairs.
func (t *IRCTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	return len(t.byIRC)
}

func (t *IRCTracker) unlink(p *ircPair) {
	if t.byIRC[p.ircID] == p {
		delete(t.byIRC, p.ircID)
	}
	if t.byDiscord[p.discordID] == p {
		delete(t.byDiscord, p.discordID)
	}
}

func (t *IRCTracker) unlinkReaction(p *reactionPair) {
	if t.reactionsByKey[p.key] == p {
		delete(t.reactionsByKey, p.key)
	}
	if t.reactionsByMsgID[p.msgID] == p {
		delete(t.reactionsByMsgID, p.msgID)
	}
}

// sweep expires entries in store order. Caller holds mu.
func (t *IRCTracker) sweep() {
	cutoff := t.now().Add(-t.ttl)
	n := 0
	for n < len(t.order) && t.order[n].stored.Before(cutoff) {
		t.unlink(t.order[n])
		n++
	}
	t.order = compact(t.order, n)

	n = 0
	for n < len(t.reactionOrder) && t.reactionOrder[n].stored.Before(cutoff) {
		t.unlinkReaction(t.reactionOrder[n])
		n++
	}
	t.reactionOrder = compact(t.reactionOrder, n)
}

// compact drops the first n elements, copying when the dropped prefix
// dominates so the backing array does not grow forever.
func compact[T any](s []T, n int) []T {
	if n == 0 {
		return s
	}
	rest := s[n:]
	if n > len(rest) {
		return append(make([]T, 0, len(rest)), rest...)
	}
	return rest
}
