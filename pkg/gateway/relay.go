// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
)

// ErrNoMapping is returned when an event's channel is not bridged.
var ErrNoMapping = errors.New("no mapping for channel")

// RelaySource is the bus source name of events produced by the Relay.
const RelaySource = "relay"

// Relay fans inbound events out to the other legs of their mapping.
type Relay struct {
	log     zerolog.Logger
	bus     Publisher
	router  *ChannelRouter
	filters atomic.Pointer[[]*regexp.Regexp]
}

var _ Target = (*Relay)(nil)

func NewRelay(log zerolog.Logger, bus Publisher, router *ChannelRouter, filters []*regexp.Regexp) *Relay {
	r := &Relay{
		log:    log.With().Str("component", "relay").Logger(),
		bus:    bus,
		router: router,
	}
	r.SetContentFilters(filters)
	return r
}

func (r *Relay) Name() string { return RelaySource }

// SetContentFilters replaces the patterns that drop matching messages.
func (r *Relay) SetContentFilters(filters []*regexp.Regexp) {
	r.filters.Store(&filters)
}

// UpdateConfig installs the filters of a new configuration generation.
func (r *Relay) UpdateConfig(cfg *config.Config) {
	r.SetContentFilters(cfg.ContentFilters())
}

func (r *Relay) AcceptEvent(_ string, evt event.Event) bool {
	switch evt.(type) {
	case *event.MessageIn, *event.MessageDelete, *event.ReactionIn, *event.TypingIn:
		return true
	}
	return false
}

func (r *Relay) PushEvent(_ string, evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageIn:
		r.relayMessage(e)
	case *event.MessageDelete:
		r.relayDelete(e)
	case *event.ReactionIn:
		r.relayReaction(e)
	case *event.TypingIn:
		r.relayTyping(e)
	}
}

// Resolve finds the mapping of a channel id published by origin. Adapters
// normally publish the Discord channel id of the mapping; IRC ids of the form
// "server/#channel" and MUC JIDs are accepted as well.
func (r *Relay) Resolve(origin event.Origin, channelID string) (*config.Mapping, error) {
	if m := r.router.ByDiscord(channelID); m != nil {
		return m, nil
	}
	switch origin {
	case event.OriginIRC:
		if server, channel, ok := strings.Cut(channelID, "/"); ok {
			if m := r.router.ByIRC(server, channel); m != nil {
				return m, nil
			}
		}
	case event.OriginXMPP:
		if m := r.router.ByXMPP(channelID); m != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w %s (origin %s)", ErrNoMapping, channelID, origin)
}

// targets lists the legs of m other than origin in fan-out order.
func targets(m *config.Mapping, origin event.Origin) []event.Origin {
	out := make([]event.Origin, 0, 2)
	for _, t := range event.Origins {
		if t == origin {
			continue
		}
		switch t {
		case event.OriginIRC:
			if m.IRC == nil {
				continue
			}
		case event.OriginXMPP:
			if m.XMPP == nil {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func (r *Relay) filtered(content string) bool {
	p := r.filters.Load()
	if p == nil {
		return false
	}
	for _, re := range *p {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

func (r *Relay) relayMessage(evt *event.MessageIn) {
	m, err := r.Resolve(evt.Origin, evt.ChannelID)
	if err != nil {
		r.log.Debug().Err(err).Str("message_id", evt.MessageID).Msg("Dropping message")
		return
	}
	if r.filtered(evt.Content) {
		r.log.Debug().
			Str("origin", string(evt.Origin)).
			Str("message_id", evt.MessageID).
			Msg("Message matched content filter, not relaying")
		return
	}
	for _, t := range targets(m, evt.Origin) {
		r.bus.Publish(RelaySource, &event.MessageOut{
			TargetOrigin:       t,
			ChannelID:          m.DiscordChannelID,
			AuthorID:           evt.AuthorID,
			AuthorDisplay:      evt.AuthorDisplay,
			Content:            evt.Content,
			MessageID:          evt.MessageID,
			ReplyToID:          evt.ReplyToID,
			AvatarURL:          evt.AvatarURL,
			IsEdit:             evt.IsEdit,
			IsAction:           evt.IsAction,
			ReplaceID:          evt.ReplaceID,
			SourceOrigin:       evt.Origin,
			XMPPIDAliases:      evt.XMPPIDAliases,
			ReplyQuotedContent: evt.ReplyQuotedContent,
			ReplyQuotedAuthor:  evt.ReplyQuotedAuthor,
			Raw:                evt.Raw,
		})
	}
}

func (r *Relay) relayDelete(evt *event.MessageDelete) {
	m, err := r.Resolve(evt.Origin, evt.ChannelID)
	if err != nil {
		r.log.Debug().Err(err).Msg("Dropping delete")
		return
	}
	for _, t := range targets(m, evt.Origin) {
		r.bus.Publish(RelaySource, &event.MessageDeleteOut{
			TargetOrigin: t,
			ChannelID:    m.DiscordChannelID,
			MessageID:    evt.MessageID,
			AuthorID:     evt.AuthorID,
			SourceOrigin: evt.Origin,
		})
	}
}

func (r *Relay) relayReaction(evt *event.ReactionIn) {
	m, err := r.Resolve(evt.Origin, evt.ChannelID)
	if err != nil {
		r.log.Debug().Err(err).Msg("Dropping reaction")
		return
	}
	for _, t := range targets(m, evt.Origin) {
		r.bus.Publish(RelaySource, &event.ReactionOut{
			TargetOrigin:  t,
			ChannelID:     m.DiscordChannelID,
			MessageID:     evt.MessageID,
			Emoji:         evt.Emoji,
			AuthorID:      evt.AuthorID,
			AuthorDisplay: evt.AuthorDisplay,
			IsRemove:      evt.IsRemove,
			SourceOrigin:  evt.Origin,
		})
	}
}

func (r *Relay) relayTyping(evt *event.TypingIn) {
	m, err := r.Resolve(evt.Origin, evt.ChannelID)
	if err != nil {
		return
	}
	for _, t := range targets(m, evt.Origin) {
		r.bus.Publish(RelaySource, &event.TypingOut{
			TargetOrigin: t,
			ChannelID:    m.DiscordChannelID,
			Raw:          event.Raw{"user_id": evt.UserID},
		})
	}
}
