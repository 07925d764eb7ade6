// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"sync"

	"github.com/aiku/atl-bridge/pkg/event"
)

// IRCCorrelator is the part of the IRC msgid table the Discord leg needs.
type IRCCorrelator interface {
	Store(ircMsgID, discordID string)
	DiscordOf(ircMsgID string) (string, bool)
	IRCOf(discordID string) (string, bool)
}

// XMPPCorrelator is the part of the XMPP id table the Discord leg needs.
type XMPPCorrelator interface {
	Store(xmppID, discordID, roomJID string)
	AddAlias(alias, primary string) bool
	AddDiscordAlias(newDiscordID, existingDiscordID string) bool
	DiscordOf(xmppID string) (string, bool)
	XMPPOf(discordID string) (string, bool)
	XMPPForReaction(discordID string) (string, bool)
}

// MessageIDResolver gives the Discord adapter access to the correlators of
// the other legs without importing them. The IRC and XMPP adapters register
// their tables when they start; until then every lookup misses.
type MessageIDResolver struct {
	mu   sync.RWMutex
	irc  IRCCorrelator
	xmpp XMPPCorrelator
}

func NewMessageIDResolver() *MessageIDResolver {
	return &MessageIDResolver{}
}

func (r *MessageIDResolver) RegisterIRC(c IRCCorrelator) {
	r.mu.Lock()
	r.irc = c
	r.mu.Unlock()
}

func (r *MessageIDResolver) RegisterXMPP(c XMPPCorrelator) {
	r.mu.Lock()
	r.xmpp = c
	r.mu.Unlock()
}

func (r *MessageIDResolver) correlators() (IRCCorrelator, XMPPCorrelator) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.irc, r.xmpp
}

// DiscordID resolves a message id native to source into a Discord message id.
func (r *MessageIDResolver) DiscordID(source event.Origin, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	irc, xmpp := r.correlators()
	switch source {
	case event.OriginIRC:
		if irc != nil {
			return irc.DiscordOf(id)
		}
	case event.OriginXMPP:
		if xmpp != nil {
			return xmpp.DiscordOf(id)
		}
	case event.OriginDiscord:
		return id, true
	}
	return "", false
}

// NativeID resolves a Discord message id into the id used on target. XMPP
// lookups prefer the stanza-id, which is what MUC clients reply to.
func (r *MessageIDResolver) NativeID(target event.Origin, discordID string) (string, bool) {
	irc, xmpp := r.correlators()
	switch target {
	case event.OriginIRC:
		if irc != nil {
			return irc.IRCOf(discordID)
		}
	case event.OriginXMPP:
		if xmpp != nil {
			return xmpp.XMPPForReaction(discordID)
		}
	case event.OriginDiscord:
		return discordID, true
	}
	return "", false
}

func (r *MessageIDResolver) StoreIRC(ircMsgID, discordID string) {
	if irc, _ := r.correlators(); irc != nil {
		irc.Store(ircMsgID, discordID)
	}
}

// StoreXMPP records xmppID and every alias against discordID.
func (r *MessageIDResolver) StoreXMPP(xmppID, discordID, roomJID string, aliases ...string) {
	_, xmpp := r.correlators()
	if xmpp == nil {
		return
	}
	xmpp.Store(xmppID, discordID, roomJID)
	for _, alias := range aliases {
		if alias != "" && alias != xmppID {
			xmpp.AddAlias(alias, xmppID)
		}
	}
}

// AddDiscordIDAlias links a Discord webhook message id to the XMPP record
// created under existingID (an IRC msgid placeholder).
func (r *MessageIDResolver) AddDiscordIDAlias(discordID, existingID string) bool {
	if _, xmpp := r.correlators(); xmpp != nil {
		return xmpp.AddDiscordAlias(discordID, existingID)
	}
	return false
}

// Translate maps a message id native to from into the id used on to, going
// through the Discord id.
func (r *MessageIDResolver) Translate(from, to event.Origin, id string) (string, bool) {
	discordID, ok := r.DiscordID(from, id)
	if !ok {
		return "", false
	}
	return r.NativeID(to, discordID)
}
