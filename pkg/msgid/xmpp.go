// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package msgid

import (
	"sync"
	"time"
)

// XMPPMapping is one bridged XMPP message. XMPPID is our primary id (the
// origin-id we generated, or the id of the inbound stanza).
type XMPPMapping struct {
	XMPPID    string
	DiscordID string
	RoomJID   string
	Timestamp time.Time
}

type xmppRecord struct {
	XMPPMapping
	// stanzaID is the MUC-assigned id, preferred for replies and reactions.
	stanzaID string
}

// XMPPTracker correlates XMPP ids with Discord ids. One record is reachable
// through every known XMPP id of the message (origin-id, stanza-id, message
// id) and through every Discord id linked to it.
type XMPPTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	byXMPP    map[string]*xmppRecord
	byDiscord map[string]*xmppRecord
	order     []*xmppRecord
}

func NewXMPPTracker(ttl time.Duration) *XMPPTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &XMPPTracker{
		ttl:       ttl,
		now:       time.Now,
		byXMPP:    make(map[string]*xmppRecord),
		byDiscord: make(map[string]*xmppRecord),
	}
}

// Store inserts a primary mapping. An existing record under the same ids is
// replaced.
func (t *XMPPTracker) Store(xmppID, discordID, roomJID string) {
	if xmppID == "" || discordID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := &xmppRecord{XMPPMapping: XMPPMapping{
		XMPPID:    xmppID,
		DiscordID: discordID,
		RoomJID:   roomJID,
		Timestamp: t.now(),
	}}
	t.byXMPP[xmppID] = rec
	t.byDiscord[discordID] = rec
	t.order = append(t.order, rec)
}

// AddAlias makes alias resolve to the record of primary. It reports false
// when primary is unknown.
func (t *XMPPTracker) AddAlias(alias, primary string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := t.byXMPP[primary]
	if rec == nil || alias == "" {
		return false
	}
	t.byXMPP[alias] = rec
	return true
}

// AddStanzaAlias is AddAlias for the stanza-id assigned by the MUC. The
// stanza-id also becomes the preferred reaction and reply target.
func (t *XMPPTracker) AddStanzaAlias(ourID, stanzaID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := t.byXMPP[ourID]
	if rec == nil || stanzaID == "" {
		return false
	}
	t.byXMPP[stanzaID] = rec
	rec.stanzaID = stanzaID
	return true
}

// AddDiscordAlias links newDiscordID to the record stored under
// existingDiscordID, which may be an IRC msgid placeholder for messages that
// entered from IRC.
func (t *XMPPTracker) AddDiscordAlias(newDiscordID, existingDiscordID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := t.byDiscord[existingDiscordID]
	if rec == nil || newDiscordID == "" {
		return false
	}
	t.byDiscord[newDiscordID] = rec
	return true
}

// UpdatePrimary moves a record from oldID to newID, keeping its timestamp.
// oldID no longer resolves afterwards.
func (t *XMPPTracker) UpdatePrimary(oldID, newID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := t.byXMPP[oldID]
	if rec == nil || newID == "" {
		return false
	}
	delete(t.byXMPP, oldID)
	rec.XMPPID = newID
	t.byXMPP[newID] = rec
	return true
}

func (t *XMPPTracker) DiscordOf(xmppID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if rec := t.byXMPP[xmppID]; rec != nil {
		return rec.DiscordID, true
	}
	return "", false
}

// XMPPOf returns the primary id, which corrections target.
func (t *XMPPTracker) XMPPOf(discordID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if rec := t.byDiscord[discordID]; rec != nil {
		return rec.XMPPID, true
	}
	return "", false
}

// XMPPForReaction returns the stanza-id when known, else the primary id.
func (t *XMPPTracker) XMPPForReaction(discordID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	rec := t.byDiscord[discordID]
	if rec == nil {
		return "", false
	}
	if rec.stanzaID != "" {
		return rec.stanzaID, true
	}
	return rec.XMPPID, true
}

// StanzaIDOf returns the stanza-id recorded for discordID, if any.
func (t *XMPPTracker) StanzaIDOf(discordID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if rec := t.byDiscord[discordID]; rec != nil && rec.stanzaID != "" {
		return rec.stanzaID, true
	}
	return "", false
}

// RoomJID returns the room of the message known under xmppID.
func (t *XMPPTracker) RoomJID(xmppID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if rec := t.byXMPP[xmppID]; rec != nil {
		return rec.RoomJID, true
	}
	return "", false
}

// Lookup returns a copy of the record reachable through xmppID.
func (t *XMPPTracker) Lookup(xmppID string) (XMPPMapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	if rec := t.byXMPP[xmppID]; rec != nil {
		return rec.XMPPMapping, true
	}
	return XMPPMapping{}, false
}

func (t *XMPPTracker) sweep() {
	cutoff := t.now().Add(-t.ttl)
	n := 0
	for n < len(t.order) && t.order[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	expired := make(map[*xmppRecord]struct{}, n)
	for _, rec := range t.order[:n] {
		expired[rec] = struct{}{}
	}
	for id, rec := range t.byXMPP {
		if _, ok := expired[rec]; ok {
			delete(t.byXMPP, id)
		}
	}
	for id, rec := range t.byDiscord {
		if _, ok := expired[rec]; ok {
			delete(t.byDiscord, id)
		}
	}
	t.order = compact(t.order, n)
}
