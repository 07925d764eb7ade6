// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"strings"
)

// DevNickPrefix prefixes generated dev nicks.
const DevNickPrefix = "atl_dev_"

// Dev resolves identities from a static "discordID:nick,..." list. It is
// used when no Portal is configured so puppets can be tested locally.
type Dev struct {
	nicks map[string]string
}

var _ Resolver = (*Dev)(nil)

// NewDev parses spec, the value of BRIDGE_DEV_IRC_NICK_MAP. Malformed pairs
// are ignored.
func NewDev(spec string) *Dev {
	d := &Dev{nicks: make(map[string]string)}
	for _, pair := range strings.Split(spec, ",") {
		id, nick, ok := strings.Cut(strings.TrimSpace(pair), ":")
		id, nick = strings.TrimSpace(id), strings.TrimSpace(nick)
		if !ok || id == "" || nick == "" {
			continue
		}
		d.nicks[id] = SanitizeNick(nick)
	}
	return d
}

// DevNick returns the generated nick for a Discord id without a map entry.
func DevNick(discordID string) string {
	suffix := discordID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return SanitizeNick(DevNickPrefix + suffix)
}

func (d *Dev) DiscordToIRC(_ context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if nick, ok := d.nicks[id]; ok {
		return nick, nil
	}
	return DevNick(id), nil
}

func (d *Dev) IRCToDiscord(_ context.Context, nick, _ string) (string, error) {
	for id, n := range d.nicks {
		if strings.EqualFold(n, nick) {
			return id, nil
		}
	}
	return "", nil
}

func (d *Dev) HasIRC(context.Context, string) (bool, error) { return true, nil }

func (d *Dev) HasXMPP(context.Context, string) (bool, error) { return false, nil }

func (d *Dev) DiscordToXMPP(context.Context, string) (string, error)       { return "", nil }
func (d *Dev) DiscordToPortalUser(context.Context, string) (string, error) { return "", nil }
func (d *Dev) IRCToXMPP(context.Context, string, string) (string, error)   { return "", nil }
func (d *Dev) IRCToPortalUser(context.Context, string, string) (string, error) {
	return "", nil
}
func (d *Dev) XMPPToDiscord(context.Context, string) (string, error)    { return "", nil }
func (d *Dev) XMPPToIRC(context.Context, string) (string, error)        { return "", nil }
func (d *Dev) XMPPToPortalUser(context.Context, string) (string, error) { return "", nil }
