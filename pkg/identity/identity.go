// Copyright 2024-2026 Aiku AI

// Package identity maps users between Discord, IRC and XMPP. The production
// resolver asks the Portal service and caches answers; the dev resolver works
// from an environment supplied nick map.
package identity

import (
	"context"
	"errors"
	"regexp"
)

// ErrPortalStatus is returned for Portal responses that will not succeed on
// retry.
var ErrPortalStatus = errors.New("unexpected portal status")

// Resolver answers cross-protocol identity questions. An empty string with a
// nil error means the user has no linked account on that side.
type Resolver interface {
	DiscordToIRC(ctx context.Context, discordID string) (string, error)
	DiscordToXMPP(ctx context.Context, discordID string) (string, error)
	DiscordToPortalUser(ctx context.Context, discordID string) (string, error)
	IRCToDiscord(ctx context.Context, nick, server string) (string, error)
	IRCToXMPP(ctx context.Context, nick, server string) (string, error)
	IRCToPortalUser(ctx context.Context, nick, server string) (string, error)
	XMPPToDiscord(ctx context.Context, jid string) (string, error)
	XMPPToIRC(ctx context.Context, jid string) (string, error)
	XMPPToPortalUser(ctx context.Context, jid string) (string, error)
	HasIRC(ctx context.Context, discordID string) (bool, error)
	HasXMPP(ctx context.Context, discordID string) (bool, error)
}

// Identity is a linked account as returned by the Portal.
type Identity struct {
	UserID    string `json:"user_id"`
	DiscordID string `json:"discord_id"`
	IRCNick   string `json:"irc_nick"`
	XMPPJID   string `json:"xmpp_jid"`
}

// LookupKind selects the query parameter of a Portal lookup.
type LookupKind string

const (
	ByDiscord LookupKind = "discord"
	ByIRC     LookupKind = "irc"
	ByXMPP    LookupKind = "xmpp"
)

// Lookup fetches identities. A nil Identity with a nil error means not found.
type Lookup interface {
	Lookup(ctx context.Context, kind LookupKind, value, server string) (*Identity, error)
}

// MaxNickLength is the longest nick SanitizeNick returns.
const MaxNickLength = 32

var invalidNickChars = regexp.MustCompile("[^a-zA-Z0-9_\\-\\[\\]\\\\`^{}|]")

// SanitizeNick removes characters outside the RFC 2812 nick set and
// truncates the result.
func SanitizeNick(nick string) string {
	nick = invalidNickChars.ReplaceAllString(nick, "")
	if nick == "" {
		return "user"
	}
	if len(nick) > MaxNickLength {
		nick = nick[:MaxNickLength]
	}
	return nick
}
