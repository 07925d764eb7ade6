// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmlstream"
	melliumxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
	"github.com/aiku/atl-bridge/pkg/gateway"
)

const (
	testRoom   = "room@muc.example.org"
	testDomain = "bridge.example.org"
)

type recordingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *recordingBus) Publish(_ string, evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) take() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

type nopReadCloser struct{ xml.TokenReader }

func (nopReadCloser) Close() error { return nil }

// fakeSession records every stanza and answers joins the way a MUC does.
type fakeSession struct {
	a *Adapter

	mu      sync.Mutex
	sent    []string
	refuse  map[string]string
	iqReply string
	closed  chan struct{}
}

func newFakeSession(a *Adapter) *fakeSession {
	return &fakeSession{a: a, refuse: make(map[string]string), closed: make(chan struct{})}
}

func encode(r xml.TokenReader) (string, error) {
	var b strings.Builder
	e := xml.NewEncoder(&b)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (f *fakeSession) Send(_ context.Context, r xml.TokenReader) error {
	raw, err := encode(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	f.mu.Unlock()

	if !strings.HasPrefix(raw, "<presence") {
		return nil
	}
	var p inPresence
	if err := xml.Unmarshal([]byte(raw), &p); err != nil {
		return err
	}
	if p.Type != "" {
		return nil
	}
	occ, err := jid.Parse(p.To)
	if err != nil {
		return err
	}
	f.mu.Lock()
	cond := f.refuse[occ.Resourcepart()]
	f.mu.Unlock()
	if cond != "" {
		feed(f.a, `<presence from="`+p.To+`" to="`+p.From+`" type="error"><error type="cancel"><`+cond+
			` xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></presence>`)
		return nil
	}
	feed(f.a, `<presence from="`+p.To+`" to="`+p.From+`"><x xmlns="http://jabber.org/protocol/muc#user">`+
		`<item jid="`+p.From+`" role="participant"/><status code="110"/></x></presence>`)
	return nil
}

func (f *fakeSession) SendIQ(ctx context.Context, r xml.TokenReader) (xmlstream.TokenReadCloser, error) {
	raw, err := encode(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	reply := f.iqReply
	f.mu.Unlock()
	if reply == "" {
		return nil, errors.New("no reply")
	}
	return nopReadCloser{xml.NewDecoder(strings.NewReader(reply))}, nil
}

func (f *fakeSession) Serve(melliumxmpp.Handler) error {
	<-f.closed
	return nil
}

func (f *fakeSession) Close() error {
	close(f.closed)
	return nil
}

// messages decodes every message stanza sent so far and forgets them.
func (f *fakeSession) messages(t *testing.T) []inMessage {
	t.Helper()
	f.mu.Lock()
	sent := f.sent
	f.sent = nil
	f.mu.Unlock()
	var out []inMessage
	for _, raw := range sent {
		if !strings.HasPrefix(raw, "<message") {
			continue
		}
		var m inMessage
		require.NoError(t, xml.Unmarshal([]byte(raw), &m))
		out = append(out, m)
	}
	return out
}

// feed delivers raw as if it arrived on the component stream.
func feed(a *Adapter, raw string) {
	d := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := d.Token()
		if err != nil {
			return
		}
		if start, ok := tok.(xml.StartElement); ok {
			a.handleStanza(d, &start)
			return
		}
	}
}

type adapterFixture struct {
	a    *Adapter
	sess *fakeSession
	bus  *recordingBus
	ids  *gateway.MessageIDResolver
}

func newAdapterFixture(t *testing.T, mutate func(*config.Config)) *adapterFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Mappings = []config.Mapping{{DiscordChannelID: "100", XMPP: &config.XMPPTarget{MUCJID: testRoom}}}
	cfg.Env.XMPPComponentJID = testDomain
	cfg.Env.XMPPComponentServer = "localhost"
	if mutate != nil {
		mutate(&cfg)
	}
	bus := &recordingBus{}
	ids := gateway.NewMessageIDResolver()
	a := NewAdapter(zerolog.Nop(), &cfg, bus, gateway.NewChannelRouter(cfg.Mappings), ids, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	a.joinTimeout = time.Second
	sess := newFakeSession(a)
	a.setSession(sess)
	return &adapterFixture{a: a, sess: sess, bus: bus, ids: ids}
}

func groupchat(from, id, inner string) string {
	return `<message from="` + testRoom + `/` + from + `" to="` + testDomain + `" type="groupchat" id="` + id + `">` +
		inner + `</message>`
}

func TestAdapterAcceptEvent(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	tests := []struct {
		evt  event.Event
		want bool
	}{
		{&event.MessageOut{TargetOrigin: event.OriginXMPP}, true},
		{&event.MessageOut{TargetOrigin: event.OriginIRC}, false},
		{&event.MessageDeleteOut{TargetOrigin: event.OriginXMPP}, true},
		{&event.ReactionOut{TargetOrigin: event.OriginXMPP}, true},
		{&event.TypingOut{TargetOrigin: event.OriginXMPP}, false},
		{&event.ConfigReload{}, true},
		{&event.MessageIn{Origin: event.OriginXMPP}, false},
	}
	for _, tt := range tests {
		if got := f.a.AcceptEvent("relay", tt.evt); got != tt.want {
			t.Errorf("AcceptEvent(%T) = %v, want %v", tt.evt, got, tt.want)
		}
	}
}

func TestInboundMessage(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	raw := groupchat("alice", "m1", `<body>hello</body>`+
		`<stanza-id xmlns="urn:xmpp:sid:0" id="s1" by="`+testRoom+`"/>`+
		`<origin-id xmlns="urn:xmpp:sid:0" id="o1"/>`)
	feed(f.a, raw)

	events := f.bus.take()
	require.Len(t, events, 1)
	msg, ok := events[0].(*event.MessageIn)
	require.True(t, ok, "got %T, want *event.MessageIn", events[0])
	assert.Equal(t, event.OriginXMPP, msg.Origin)
	assert.Equal(t, "100", msg.ChannelID)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "s1", msg.MessageID)
	assert.Equal(t, []string{"o1", "m1"}, msg.XMPPIDAliases)
	assert.Equal(t, testRoom, msg.Raw["xmpp_room"])

	feed(f.a, raw)
	assert.Empty(t, f.bus.take(), "duplicate stanza must be dropped")
}

func TestInboundSkipped(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	feed(f.a, groupchat("alice", "h1", `<body>old</body><delay xmlns="urn:xmpp:delay" stamp="2026-03-01T10:00:00Z"/>`))
	feed(f.a, groupchat(ListenerNick, "l1", `<body>ours</body>`))
	feed(f.a, `<message from="other@muc.example.org/alice" type="groupchat" id="u1"><body>unmapped</body></message>`)
	feed(f.a, `<message from="`+testRoom+`/alice" type="chat" id="c1"><body>private</body></message>`)
	feed(f.a, `<message from="`+testRoom+`" type="groupchat" id="t1"><subject>topic</subject></message>`)
	assert.Empty(t, f.bus.take())

	feed(f.a, groupchat("alice", "h2", `<body>recent</body><delay xmlns="urn:xmpp:delay" stamp="2026-03-01T11:59:30Z"/>`))
	require.Len(t, f.bus.take(), 1)
}

func TestInboundReplySpoilerActionEdit(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	feed(f.a, groupchat("alice", "r1", "<body>&gt; bob: hi\nagreed</body>"+
		`<reply xmlns="urn:xmpp:reply:0" to="`+testRoom+`/bob" id="s0"/>`+
		`<fallback xmlns="urn:xmpp:fallback:0" for="urn:xmpp:reply:0"><body start="0" end="10"/></fallback>`))
	feed(f.a, groupchat("alice", "sp1", `<body>secret</body><spoiler xmlns="urn:xmpp:spoiler:0"/>`))
	feed(f.a, groupchat("alice", "a1", `<body>/me waves</body>`))
	feed(f.a, groupchat("alice", "e1", `<body>fixed</body><replace xmlns="urn:xmpp:message-correct:0" id="r1"/>`))

	events := f.bus.take()
	require.Len(t, events, 4)

	reply := events[0].(*event.MessageIn)
	assert.Equal(t, "agreed", reply.Content)
	assert.Equal(t, "s0", reply.ReplyToID)

	spoiler := events[1].(*event.MessageIn)
	assert.Equal(t, "||secret||", spoiler.Content)
	assert.True(t, spoiler.Spoiler)

	action := events[2].(*event.MessageIn)
	assert.Equal(t, "waves", action.Content)
	assert.True(t, action.IsAction)

	edit := events[3].(*event.MessageIn)
	assert.True(t, edit.IsEdit)
	assert.Equal(t, "r1", edit.ReplaceID)
	assert.Equal(t, "e1", edit.MessageID)
}

func TestInboundReactionsDiff(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	f.a.tracker.Store("s9", "d9", testRoom)

	react := func(id string, emojis ...string) {
		inner := `<reactions xmlns="urn:xmpp:reactions:0" id="s9">`
		for _, e := range emojis {
			inner += `<reaction>` + e + `</reaction>`
		}
		feed(f.a, groupchat("alice", id, inner+`</reactions>`))
	}
	type change struct {
		emoji  string
		remove bool
	}
	collect := func() []change {
		var out []change
		for _, evt := range f.bus.take() {
			r := evt.(*event.ReactionIn)
			assert.Equal(t, "d9", r.MessageID)
			assert.Equal(t, "alice", r.AuthorID)
			out = append(out, change{r.Emoji, r.IsRemove})
		}
		return out
	}

	react("x1", "👍")
	assert.Equal(t, []change{{"👍", false}}, collect())
	react("x2", "👍", "🎉")
	assert.Equal(t, []change{{"🎉", false}}, collect())
	react("x3", "❤️")
	assert.Equal(t, []change{{"❤️", false}, {"👍", true}, {"🎉", true}}, collect())
	react("x4")
	assert.Equal(t, []change{{"❤️", true}}, collect())
}

func TestInboundRetractionAndTyping(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	f.a.tracker.Store("s9", "d9", testRoom)

	feed(f.a, groupchat("alice", "rt1", `<retract xmlns="urn:xmpp:message-retract:1" id="s9"/>`))
	feed(f.a, groupchat("alice", "rt2", `<retract xmlns="urn:xmpp:message-retract:1" id="unknown"/>`))
	feed(f.a, groupchat("alice", "ty1", `<composing xmlns="http://jabber.org/protocol/chatstates"/>`))

	events := f.bus.take()
	require.Len(t, events, 2)
	del := events[0].(*event.MessageDelete)
	assert.Equal(t, "d9", del.MessageID)
	assert.Equal(t, "100", del.ChannelID)
	typing := events[1].(*event.TypingIn)
	assert.Equal(t, "alice", typing.UserID)
}

func TestInboundAvatarFromRoster(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	feed(f.a, `<presence from="`+testRoom+`/carol"><x xmlns="http://jabber.org/protocol/muc#user">`+
		`<item jid="carol@example.org/phone" role="participant"/></x></presence>`)
	feed(f.a, groupchat("carol", "c1", `<body>hi</body>`))

	events := f.bus.take()
	require.Len(t, events, 1)
	assert.Equal(t, "https://example.org/avatar/carol", events[0].(*event.MessageIn).AvatarURL)

	feed(f.a, `<presence from="`+testRoom+`/carol" type="unavailable"/>`)
	assert.Empty(t, f.a.realJID(testRoom, "carol"))
}

func discordOut(id, content string) *event.MessageOut {
	return &event.MessageOut{
		TargetOrigin:  event.OriginXMPP,
		SourceOrigin:  event.OriginDiscord,
		ChannelID:     "100",
		AuthorID:      "u1",
		AuthorDisplay: "Bob",
		MessageID:     id,
		Content:       content,
	}
}

func TestOutboundMessageAndStanzaAlias(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	ctx := context.Background()

	f.a.sendMessage(ctx, discordOut("d42", "hi ||there||"))
	sent := f.sess.messages(t)
	require.Len(t, sent, 1)
	out := sent[0]
	assert.Equal(t, "hi there", out.Body)
	assert.NotNil(t, out.Spoiler)
	assert.Equal(t, testRoom, out.To)
	bob, err := f.a.userJID("Bob")
	require.NoError(t, err)
	assert.Equal(t, bob.String(), out.From)
	assert.True(t, strings.HasPrefix(out.ID, "bridge-1772366400000-"), "got %q", out.ID)
	assert.Len(t, out.ID, len("bridge-1772366400000-")+12)
	require.NotNil(t, out.OriginID)
	assert.Equal(t, out.ID, out.OriginID.ID)

	primary, ok := f.a.tracker.XMPPOf("d42")
	require.True(t, ok)
	assert.Equal(t, out.ID, primary)

	// The room reflects the message with its own stanza-id.
	feed(f.a, groupchat("Bob", out.ID, `<body>hi there</body>`+
		`<stanza-id xmlns="urn:xmpp:sid:0" id="s42" by="`+testRoom+`"/>`+
		`<origin-id xmlns="urn:xmpp:sid:0" id="`+out.ID+`"/>`))
	assert.Empty(t, f.bus.take(), "echo must not be relayed")

	target, ok := f.a.tracker.XMPPForReaction("d42")
	require.True(t, ok)
	assert.Equal(t, "s42", target)
	discordID, ok := f.ids.DiscordID(event.OriginXMPP, "s42")
	require.True(t, ok)
	assert.Equal(t, "d42", discordID)

	f.a.sendReaction(ctx, &event.ReactionOut{
		TargetOrigin: event.OriginXMPP, SourceOrigin: event.OriginDiscord,
		ChannelID: "100", MessageID: "d42", Emoji: "👍", AuthorID: "u1", AuthorDisplay: "Bob",
	})
	f.a.sendReaction(ctx, &event.ReactionOut{
		TargetOrigin: event.OriginXMPP, SourceOrigin: event.OriginDiscord,
		ChannelID: "100", MessageID: "d42", Emoji: "👍", AuthorID: "u1", AuthorDisplay: "Bob", IsRemove: true,
	})
	sent = f.sess.messages(t)
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].Reactions)
	assert.Equal(t, "s42", sent[0].Reactions.ID)
	assert.Equal(t, []string{"👍"}, sent[0].Reactions.Reactions)
	require.NotNil(t, sent[1].Reactions)
	assert.Empty(t, sent[1].Reactions.Reactions)
}

func TestOutboundEditReplyAndRetract(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	ctx := context.Background()

	f.a.sendMessage(ctx, discordOut("d1", "first"))
	first := f.sess.messages(t)[0]
	f.a.tracker.AddStanzaAlias(first.ID, "s1")

	edit := discordOut("d1", "first, fixed")
	edit.IsEdit = true
	f.a.sendMessage(ctx, edit)

	unknown := discordOut("d404", "nope")
	unknown.IsEdit = true
	f.a.sendMessage(ctx, unknown)

	reply := discordOut("d2", "answer")
	reply.ReplyToID = "d1"
	f.a.sendMessage(ctx, reply)

	sent := f.sess.messages(t)
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].Replace)
	assert.Equal(t, first.ID, sent[0].Replace.ID)
	assert.Equal(t, "first, fixed", sent[0].Body)
	_, stored := f.a.tracker.Lookup(sent[0].ID)
	assert.False(t, stored, "corrections must not create new records")

	require.NotNil(t, sent[1].Reply)
	assert.Equal(t, "s1", sent[1].Reply.ID)
	require.NotNil(t, sent[1].Reference)
	assert.Equal(t, "xmpp:"+testRoom+"?id=s1", sent[1].Reference.URI)

	f.a.sendRetraction(ctx, &event.MessageDeleteOut{
		TargetOrigin: event.OriginXMPP, SourceOrigin: event.OriginDiscord,
		ChannelID: "100", MessageID: "d1", AuthorID: "u1",
	})
	sent = f.sess.messages(t)
	require.Len(t, sent, 2)
	var targets []string
	for _, m := range sent {
		targets = append(targets, m.retracts())
		assert.Equal(t, retractFallbackBody, m.Body)
	}
	assert.Equal(t, []string{"s1", first.ID}, targets)
}

func TestOutboundSpoilerNeedsPair(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		body    string
		spoiler bool
	}{
		{"logical or", "a || b", "a || b", false},
		{"unclosed", "||open", "||open", false},
		{"pair", "x ||y|| z", "x y z", true},
		{"two pairs", "||a|| and ||b||", "a and b", true},
		{"empty pair", "a |||| b", "a |||| b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAdapterFixture(t, nil)
			f.a.sendMessage(context.Background(), discordOut("d1", tt.content))
			sent := f.sess.messages(t)
			require.Len(t, sent, 1)
			if sent[0].Body != tt.body {
				t.Errorf("body: got %q, want %q", sent[0].Body, tt.body)
			}
			assert.Equal(t, tt.spoiler, sent[0].Spoiler != nil)
		})
	}
}

func TestOutboundFromIRC(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	f.a.sendMessage(context.Background(), &event.MessageOut{
		TargetOrigin:  event.OriginXMPP,
		SourceOrigin:  event.OriginIRC,
		ChannelID:     "100",
		AuthorID:      "carol",
		AuthorDisplay: "carol",
		MessageID:     "irc-1",
		Content:       "\x02loud\x02 \x1d\x0304,05noise\x0f\x1f",
		IsAction:      true,
	})
	sent := f.sess.messages(t)
	require.Len(t, sent, 1)
	assert.Equal(t, "/me loud noise", sent[0].Body)

	// Discord learns its webhook id later and links it.
	assert.True(t, f.ids.AddDiscordIDAlias("d7", "irc-1"))
	id, ok := f.a.tracker.XMPPOf("d7")
	require.True(t, ok)
	assert.Equal(t, sent[0].ID, id)
}

func TestJoinNickFallback(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	f.sess.refuse["Bob"] = "conflict"

	f.a.sendMessage(context.Background(), discordOut("d1", "hello"))
	require.Len(t, f.sess.messages(t), 1)
	assert.True(t, f.a.isOwn(testRoom, "Bob_bridge"))
	assert.False(t, f.a.isOwn(testRoom, "Bob"))

	f.sess.refuse["Eve"] = "forbidden"
	f.sess.refuse["Eve_bridge"] = "forbidden"
	user, err := f.a.userJID("Eve")
	require.NoError(t, err)
	room, err := jid.Parse(testRoom)
	require.NoError(t, err)
	_, err = f.a.ensureJoined(context.Background(), f.sess, room, user, "Eve")
	var joinErr *JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, "forbidden", joinErr.Condition)
}

func TestResolveNick(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	ctx := context.Background()
	tests := []struct {
		id, display string
		want        string
	}{
		{"u1", "Bob", "Bob"},
		{"u1", "  A very long display name indeed  ", "A very long display "},
		{"u2", "", "u2"},
		{"", "", "bridge"},
	}
	for _, tt := range tests {
		if got := f.a.resolveNick(ctx, event.OriginDiscord, tt.id, tt.display); got != tt.want {
			t.Errorf("resolveNick(%q, %q) = %q, want %q", tt.id, tt.display, got, tt.want)
		}
	}
}

func TestReconcileRooms(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	ctx := context.Background()
	f.a.joinRooms(ctx, f.sess)
	assert.Equal(t, []string{testRoom}, f.a.joinedRooms())

	f.a.router.Load([]config.Mapping{{DiscordChannelID: "200", XMPP: &config.XMPPTarget{MUCJID: "new@muc.example.org"}}})
	f.a.reconcileRooms(ctx)
	assert.Eventually(t, func() bool {
		rooms := f.a.joinedRooms()
		return len(rooms) == 1 && rooms[0] == "new@muc.example.org"
	}, time.Second, 10*time.Millisecond)
}

func TestSendWithoutSession(t *testing.T) {
	t.Parallel()
	f := newAdapterFixture(t, nil)
	f.a.setSession(nil)
	assert.False(t, f.a.Connected())
	f.a.sendMessage(context.Background(), discordOut("d1", "lost"))
	assert.Empty(t, f.sess.messages(t))
	err := f.a.SendFileWithFallback(context.Background(), "u1", testRoom, []byte("x"), "x.txt", "Bob", "")
	assert.ErrorIs(t, err, ErrNotConnected)
}
