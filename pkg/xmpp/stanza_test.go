// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMessage(t *testing.T, raw string) *inMessage {
	t.Helper()
	var m inMessage
	require.NoError(t, xml.Unmarshal([]byte(raw), &m))
	return &m
}

func TestMessageIDs(t *testing.T) {
	t.Parallel()
	m := decodeMessage(t, `<message id="m1" type="groupchat">
		<stanza-id xmlns="urn:xmpp:sid:0" id="other" by="elsewhere@muc.example.org"/>
		<stanza-id xmlns="urn:xmpp:sid:0" id="s1" by="room@muc.example.org"/>
		<origin-id xmlns="urn:xmpp:sid:0" id="o1"/>
	</message>`)
	primary, aliases := m.ids("room@muc.example.org")
	assert.Equal(t, "s1", primary)
	assert.Equal(t, []string{"o1", "m1"}, aliases)

	primary, aliases = m.ids("unknown@muc.example.org")
	assert.Equal(t, "other", primary)
	assert.Equal(t, []string{"o1", "m1"}, aliases)

	bare := decodeMessage(t, `<message id="m2"/>`)
	primary, aliases = bare.ids("room@muc.example.org")
	assert.Equal(t, "m2", primary)
	assert.Empty(t, aliases)

	same := decodeMessage(t, `<message id="x"><origin-id xmlns="urn:xmpp:sid:0" id="x"/></message>`)
	primary, aliases = same.ids("room@muc.example.org")
	assert.Equal(t, "x", primary)
	assert.Empty(t, aliases)
}

func TestMessageDelayed(t *testing.T) {
	t.Parallel()
	cutoff := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		raw  string
		want bool
	}{
		{`<message/>`, false},
		{`<message><delay xmlns="urn:xmpp:delay" stamp="2026-01-02T03:04:10Z"/></message>`, false},
		{`<message><delay xmlns="urn:xmpp:delay" stamp="2026-01-02T02:00:00Z"/></message>`, true},
		{`<message><delay xmlns="urn:xmpp:delay" stamp="yesterday"/></message>`, true},
	}
	for _, tt := range tests {
		if got := decodeMessage(t, tt.raw).delayedBefore(cutoff); got != tt.want {
			t.Errorf("delayedBefore(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestMessageReplyTo(t *testing.T) {
	t.Parallel()
	m := decodeMessage(t, `<message><reply xmlns="urn:xmpp:reply:0" to="room@muc.example.org/bob" id="s0"/></message>`)
	assert.Equal(t, "s0", m.replyTo())

	m = decodeMessage(t, `<message><reference xmlns="urn:xmpp:reference:0" type="reply" uri="xmpp:room@muc.example.org?id=s9"/></message>`)
	assert.Equal(t, "s9", m.replyTo())

	m = decodeMessage(t, `<message><reference xmlns="urn:xmpp:reference:0" type="mention" uri="xmpp:bob@example.org"/></message>`)
	assert.Empty(t, m.replyTo())
}

func TestMessageReplyBody(t *testing.T) {
	t.Parallel()
	m := decodeMessage(t, `<message>
		<body>&gt; bob: hi
agreed</body>
		<fallback xmlns="urn:xmpp:fallback:0" for="urn:xmpp:reply:0"><body start="0" end="10"/></fallback>
	</message>`)
	assert.Equal(t, "agreed", m.replyBody())

	m = decodeMessage(t, `<message><body>&gt; quoted line
answer</body></message>`)
	assert.Equal(t, "answer", m.replyBody())

	m = decodeMessage(t, `<message>
		<body>ünï
rest</body>
		<fallback xmlns="urn:xmpp:fallback:0" for="urn:xmpp:reply:0"><body start="0" end="4"/></fallback>
	</message>`)
	assert.Equal(t, "rest", m.replyBody())
}

func TestMessageRetracts(t *testing.T) {
	t.Parallel()
	m := decodeMessage(t, `<message><retract xmlns="urn:xmpp:message-retract:1" id="s1"/></message>`)
	assert.Equal(t, "s1", m.retracts())

	m = decodeMessage(t, `<message><apply-to xmlns="urn:xmpp:fasten:0" id="s2"><retract xmlns="urn:xmpp:message-retract:0"/></apply-to></message>`)
	assert.Equal(t, "s2", m.retracts())

	m = decodeMessage(t, `<message><body>hi</body></message>`)
	assert.Empty(t, m.retracts())
}

func TestPresenceErrorCondition(t *testing.T) {
	t.Parallel()
	var p inPresence
	require.NoError(t, xml.Unmarshal([]byte(`<presence from="room@muc.example.org/bob" type="error">
		<error type="cancel">
			<text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">taken</text>
			<conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>
		</error>
	</presence>`), &p))
	require.NotNil(t, p.Error)
	assert.Equal(t, "conflict", p.Error.Condition())
}
