// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"regexp"
	"strings"
)

const maxRelayNick = 32

var relayNickInvalid = regexp.MustCompile("[^A-Za-z0-9_\\-\\[\\]\\\\^{}|`]")

// RelayMsgNick turns a display name into the spoofed nick used with
// RELAYMSG. Servers require a '/' in relayed nicks, so "/d" is appended
// unless clean is set.
func RelayMsgNick(display string, clean bool) string {
	nick := relayNickInvalid.ReplaceAllString(strings.TrimSpace(display), "-")
	if nick == "" {
		nick = "user"
	}
	if len(nick) > maxRelayNick {
		nick = nick[:maxRelayNick]
	}
	if !clean {
		nick += "/d"
	}
	return nick
}

// nickOf returns the nick part of a nick!user@host source.
func nickOf(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

// relayedBase strips the "/d" style suffix of a RELAYMSG nick.
func relayedBase(nick string) string {
	base, _, _ := strings.Cut(nick, "/")
	return base
}
