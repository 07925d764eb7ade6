// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package event defines the closed set of events exchanged over the bridge
// bus. Adapters publish inbound variants (MessageIn, ReactionIn, ...) and
// consume outbound variants (MessageOut, ReactionOut, ...) produced by the
// relay.
package event

// Origin identifies one of the three bridged protocols.
type Origin string

const (
	OriginDiscord Origin = "discord"
	OriginIRC     Origin = "irc"
	OriginXMPP    Origin = "xmpp"
)

// Origins lists every protocol in relay fan-out order.
var Origins = [...]Origin{OriginDiscord, OriginIRC, OriginXMPP}

// Valid reports whether o is one of the known protocols.
func (o Origin) Valid() bool {
	switch o {
	case OriginDiscord, OriginIRC, OriginXMPP:
		return true
	}
	return false
}

// Kind is the tag of an Event variant.
type Kind string

const (
	KindMessageIn        Kind = "message_in"
	KindMessageOut       Kind = "message_out"
	KindJoin             Kind = "join"
	KindPart             Kind = "part"
	KindQuit             Kind = "quit"
	KindMessageDelete    Kind = "message_delete"
	KindMessageDeleteOut Kind = "message_delete_out"
	KindReactionIn       Kind = "reaction_in"
	KindReactionOut      Kind = "reaction_out"
	KindTypingIn         Kind = "typing_in"
	KindTypingOut        Kind = "typing_out"
	KindConfigReload     Kind = "config_reload"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// Outbound is implemented by events addressed to a single protocol.
type Outbound interface {
	Event
	Target() Origin
}

// Raw carries protocol-specific hints that are not part of the schema.
type Raw map[string]any

// MessageIn is a message observed on one protocol.
type MessageIn struct {
	Origin        Origin
	ChannelID     string
	AuthorID      string
	AuthorDisplay string
	Content       string
	MessageID     string
	ReplyToID     string
	IsEdit        bool
	IsAction      bool
	AvatarURL     string

	// ReplaceID is the id of the message an edit replaces.
	ReplaceID string
	// XMPPIDAliases are additional ids of the same XMPP stanza.
	XMPPIDAliases []string
	// ReplyQuotedContent and ReplyQuotedAuthor describe the message a
	// Discord reply points at, so IRC can render an inline quote.
	ReplyQuotedContent string
	ReplyQuotedAuthor  string
	Spoiler            bool

	Raw Raw
}

// MessageOut is a message to deliver on TargetOrigin. ChannelID is always
// the Discord channel id of the mapping.
type MessageOut struct {
	TargetOrigin  Origin
	ChannelID     string
	AuthorID      string
	AuthorDisplay string
	Content       string
	MessageID     string
	ReplyToID     string
	AvatarURL     string
	IsEdit        bool
	IsAction      bool

	ReplaceID          string
	SourceOrigin       Origin
	XMPPIDAliases      []string
	ReplyQuotedContent string
	ReplyQuotedAuthor  string

	Raw Raw
}

// Join, Part and Quit describe presence changes.
type Join struct {
	Origin    Origin
	ChannelID string
	UserID    string
	Display   string
}

type Part struct {
	Origin    Origin
	ChannelID string
	UserID    string
	Display   string
	Reason    string
}

type Quit struct {
	Origin  Origin
	UserID  string
	Display string
	Reason  string
}

// MessageDelete is a deletion observed on one protocol.
type MessageDelete struct {
	Origin        Origin
	ChannelID     string
	MessageID     string
	AuthorID      string
	AuthorDisplay string
}

type MessageDeleteOut struct {
	TargetOrigin Origin
	ChannelID    string
	MessageID    string
	AuthorID     string
	SourceOrigin Origin
	Raw          Raw
}

// ReactionIn is a reaction added or removed on one protocol. MessageID is
// the Discord id of the target message when the origin can resolve it.
type ReactionIn struct {
	Origin        Origin
	ChannelID     string
	MessageID     string
	Emoji         string
	AuthorID      string
	AuthorDisplay string
	IsRemove      bool
}

type ReactionOut struct {
	TargetOrigin  Origin
	ChannelID     string
	MessageID     string
	Emoji         string
	AuthorID      string
	AuthorDisplay string
	IsRemove      bool
	SourceOrigin  Origin
	Raw           Raw
}

type TypingIn struct {
	Origin    Origin
	ChannelID string
	UserID    string
}

type TypingOut struct {
	TargetOrigin Origin
	ChannelID    string
	Raw          Raw
}

// ConfigReload is published after a new configuration generation is live.
type ConfigReload struct{}

func (*MessageIn) Kind() Kind        { return KindMessageIn }
func (*MessageOut) Kind() Kind       { return KindMessageOut }
func (*Join) Kind() Kind             { return KindJoin }
func (*Part) Kind() Kind             { return KindPart }
func (*Quit) Kind() Kind             { return KindQuit }
func (*MessageDelete) Kind() Kind    { return KindMessageDelete }
func (*MessageDeleteOut) Kind() Kind { return KindMessageDeleteOut }
func (*ReactionIn) Kind() Kind       { return KindReactionIn }
func (*ReactionOut) Kind() Kind      { return KindReactionOut }
func (*TypingIn) Kind() Kind         { return KindTypingIn }
func (*TypingOut) Kind() Kind        { return KindTypingOut }
func (*ConfigReload) Kind() Kind     { return KindConfigReload }

func (*MessageIn) sealed()        {}
func (*MessageOut) sealed()       {}
func (*Join) sealed()             {}
func (*Part) sealed()             {}
func (*Quit) sealed()             {}
func (*MessageDelete) sealed()    {}
func (*MessageDeleteOut) sealed() {}
func (*ReactionIn) sealed()       {}
func (*ReactionOut) sealed()      {}
func (*TypingIn) sealed()         {}
func (*TypingOut) sealed()        {}
func (*ConfigReload) sealed()     {}

func (m *MessageOut) Target() Origin       { return m.TargetOrigin }
func (m *MessageDeleteOut) Target() Origin { return m.TargetOrigin }
func (r *ReactionOut) Target() Origin      { return r.TargetOrigin }
func (t *TypingOut) Target() Origin        { return t.TargetOrigin }

// TargetsOrigin reports whether evt is an outbound event addressed to o.
func TargetsOrigin(evt Event, o Origin) bool {
	out, ok := evt.(Outbound)
	return ok && out.Target() == o
}
