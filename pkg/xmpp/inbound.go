// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"encoding/xml"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
)

// HandleXMPP implements xmpp.Handler for the component stream.
func (a *Adapter) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	a.handleStanza(t, start)
	return nil
}

// handleStanza decodes one top-level stanza. Decode errors are logged and
// the stanza dropped so the stream survives.
func (a *Adapter) handleStanza(r xml.TokenReader, start *xml.StartElement) {
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), r))
	switch start.Name.Local {
	case "message":
		var msg inMessage
		if err := d.Decode(&msg); err != nil {
			a.log.Debug().Err(err).Msg("Failed to decode message stanza")
			return
		}
		a.onMessage(&msg)
	case "presence":
		var p inPresence
		if err := d.Decode(&p); err != nil {
			a.log.Debug().Err(err).Msg("Failed to decode presence stanza")
			return
		}
		a.onPresence(&p)
	}
}

func (a *Adapter) onMessage(m *inMessage) {
	if m.Type == string(stanza.ErrorMessage) {
		a.log.Debug().Str("from", m.From).Str("id", m.ID).Msg("Received XMPP error message")
		return
	}
	if m.Type != string(stanza.GroupChatMessage) {
		return
	}
	from, err := jid.Parse(m.From)
	if err != nil {
		return
	}
	room := from.Bare().String()
	nick := from.Resourcepart()
	mapping := a.router.ByXMPP(room)
	if mapping == nil || nick == "" {
		return
	}
	if m.delayedBefore(a.now().Add(-historyCutoff)) {
		return
	}
	if nick == ListenerNick || a.isOwn(room, nick) || a.recentSent.Has(occupantAddr(room, nick)) {
		a.captureEcho(m, room)
		return
	}

	primary, aliases := m.ids(room)
	if primary != "" {
		key := strings.ToLower(room) + "\x00" + primary
		if a.seen.Has(key) {
			return
		}
		a.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	switch {
	case m.Reactions != nil:
		a.onReactions(mapping, room, nick, m.Reactions)
		return
	case m.retracts() != "":
		a.onRetraction(mapping, nick, m.retracts())
		return
	}

	body := m.Body
	if body == "" && m.OOB != nil {
		body = m.OOB.URL
	}
	if strings.TrimSpace(body) == "" {
		if m.Composing != nil {
			a.bus.Publish(Name, &event.TypingIn{
				Origin:    event.OriginXMPP,
				ChannelID: mapping.DiscordChannelID,
				UserID:    nick,
			})
		}
		return
	}

	evt := &event.MessageIn{
		Origin:        event.OriginXMPP,
		ChannelID:     mapping.DiscordChannelID,
		AuthorID:      nick,
		AuthorDisplay: nick,
		Content:       body,
		MessageID:     primary,
		XMPPIDAliases: aliases,
		AvatarURL:     a.avatarURL(from, nick),
		Raw:           event.Raw{"xmpp_room": room},
	}
	if evt.MessageID == "" {
		evt.MessageID = "xmpp:" + uuid.NewString()
	}
	if reply := m.replyTo(); reply != "" {
		evt.ReplyToID = reply
		evt.Content = m.replyBody()
	}
	if m.Spoiler != nil {
		evt.Content = "||" + evt.Content + "||"
		evt.Spoiler = true
	}
	if action, ok := strings.CutPrefix(evt.Content, "/me "); ok {
		evt.Content = action
		evt.IsAction = true
	}
	if m.Replace != nil && m.Replace.ID != "" {
		evt.IsEdit = true
		evt.ReplaceID = m.Replace.ID
	}
	a.log.Debug().
		Str("room", room).
		Str("nick", nick).
		Str("id", evt.MessageID).
		Bool("edit", evt.IsEdit).
		Msg("Received XMPP message")
	a.bus.Publish(Name, evt)
}

// captureEcho links the stanza-id the room assigned to our reflected
// message with the id we stored when sending it.
func (a *Adapter) captureEcho(m *inMessage, room string) {
	ours := m.originID()
	if ours == "" {
		ours = m.ID
	}
	if ours == "" {
		return
	}
	if _, ok := a.tracker.Lookup(ours); !ok {
		return
	}
	if sid := m.stanzaID(room); sid != "" && sid != ours {
		a.tracker.AddStanzaAlias(ours, sid)
	}
	if m.ID != "" && m.ID != ours {
		a.tracker.UpdatePrimary(ours, m.ID)
	}
}

// onReactions diffs the sender's reaction set for the target against the
// previous one and publishes the changes.
func (a *Adapter) onReactions(mapping *config.Mapping, room, nick string, r *reactionsElem) {
	key := r.ID + "\x00" + occupantAddr(room, nick)
	var current []string
	for _, emoji := range r.Reactions {
		if emoji = strings.TrimSpace(emoji); emoji != "" && !slices.Contains(current, emoji) {
			current = append(current, emoji)
		}
	}
	var previous []string
	if item := a.reactionSets.Get(key); item != nil {
		previous = item.Value()
	}
	if len(current) == 0 {
		a.reactionSets.Delete(key)
	} else {
		a.reactionSets.Set(key, current, ttlcache.DefaultTTL)
	}

	discordID, ok := a.tracker.DiscordOf(r.ID)
	if !ok {
		a.log.Debug().Str("target", r.ID).Msg("Reaction target not bridged")
		return
	}
	publish := func(emoji string, remove bool) {
		a.bus.Publish(Name, &event.ReactionIn{
			Origin:        event.OriginXMPP,
			ChannelID:     mapping.DiscordChannelID,
			MessageID:     discordID,
			Emoji:         emoji,
			AuthorID:      nick,
			AuthorDisplay: nick,
			IsRemove:      remove,
		})
	}
	for _, emoji := range current {
		if !slices.Contains(previous, emoji) {
			publish(emoji, false)
		}
	}
	for _, emoji := range previous {
		if !slices.Contains(current, emoji) {
			publish(emoji, true)
		}
	}
}

func (a *Adapter) onRetraction(mapping *config.Mapping, nick, target string) {
	discordID, ok := a.tracker.DiscordOf(target)
	if !ok {
		a.log.Debug().Str("target", target).Msg("Retracted message not bridged")
		return
	}
	a.bus.Publish(Name, &event.MessageDelete{
		Origin:        event.OriginXMPP,
		ChannelID:     mapping.DiscordChannelID,
		MessageID:     discordID,
		AuthorID:      nick,
		AuthorDisplay: nick,
	})
}

// avatarURL points at the HTTP avatar of the occupant's real account,
// served from the room's base domain.
func (a *Adapter) avatarURL(occupant jid.JID, nick string) string {
	realAddr := a.realJID(occupant.Bare().String(), nick)
	if realAddr == "" {
		return ""
	}
	account, err := jid.Parse(realAddr)
	if err != nil || account.Localpart() == "" {
		return ""
	}
	base := strings.TrimPrefix(occupant.Domainpart(), "muc.")
	return "https://" + base + "/avatar/" + account.Localpart()
}

func (a *Adapter) onPresence(p *inPresence) {
	from, err := jid.Parse(p.From)
	if err != nil || from.Resourcepart() == "" {
		return
	}
	addr := occupantAddr(from.Bare().String(), from.Resourcepart())

	a.mu.Lock()
	defer a.mu.Unlock()
	pending := a.pendingJoins[addr]
	resolve := func(err error) {
		if pending == nil {
			return
		}
		select {
		case pending <- err:
		default:
		}
	}
	switch p.Type {
	case string(stanza.ErrorPresence):
		cond := "undefined-condition"
		if p.Error != nil {
			cond = p.Error.Condition()
		}
		resolve(&JoinError{Occupant: from.String(), Condition: cond})
	case string(stanza.UnavailablePresence):
		delete(a.roster, addr)
		if occ, ok := a.own[addr]; ok {
			delete(a.own, addr)
			delete(a.joined, joinedKey{room: strings.ToLower(occ.room.String()), user: occ.user.String()})
			a.log.Info().Str("occupant", from.String()).Msg("Occupant left MUC")
		}
	case "":
		if realAddr := p.realJID(); realAddr != "" {
			a.roster[addr] = realAddr
		}
		resolve(nil)
	}
}
