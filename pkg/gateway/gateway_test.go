// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"bytes"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
)

// recorder collects every event it is offered, optionally filtered by kind.
type recorder struct {
	mu     sync.Mutex
	kinds  map[event.Kind]bool
	events []event.Event
}

func newRecorder(kinds ...event.Kind) *recorder {
	r := &recorder{}
	if len(kinds) > 0 {
		r.kinds = make(map[event.Kind]bool)
		for _, k := range kinds {
			r.kinds[k] = true
		}
	}
	return r
}

func (r *recorder) AcceptEvent(_ string, evt event.Event) bool {
	return r.kinds == nil || r.kinds[evt.Kind()]
}

func (r *recorder) PushEvent(_ string, evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) messageOuts(target event.Origin) []*event.MessageOut {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*event.MessageOut
	for _, evt := range r.events {
		if m, ok := evt.(*event.MessageOut); ok && m.TargetOrigin == target {
			out = append(out, m)
		}
	}
	return out
}

type panicker struct{}

func (panicker) AcceptEvent(string, event.Event) bool { return true }
func (panicker) PushEvent(string, event.Event)        { panic("boom") }
func (panicker) Name() string                         { return "panicker" }

var fullMapping = config.Mapping{
	DiscordChannelID: "123456789",
	IRC:              &config.IRCTarget{Server: "irc.libera.chat", Port: 6667, Channel: "#test"},
	XMPP:             &config.XMPPTarget{MUCJID: "test@conference.example.com"},
}

func newTestRelay(t *testing.T, mappings ...config.Mapping) (*Bus, *recorder) {
	t.Helper()
	bus := NewBus(zerolog.Nop())
	relay := NewRelay(zerolog.Nop(), bus, NewChannelRouter(mappings), nil)
	rec := newRecorder(event.KindMessageOut, event.KindMessageDeleteOut, event.KindReactionOut, event.KindTypingOut)
	bus.Register(relay)
	bus.Register(rec)
	return bus, rec
}

// ---------------------------------------------------------------------------
// Bus
// ---------------------------------------------------------------------------

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus(zerolog.Nop())
	rec := newRecorder()
	bus.Register(rec)

	for i := range 50 {
		bus.Publish("test", &event.MessageIn{MessageID: fmt.Sprint(i)})
	}

	require.Len(t, rec.events, 50)
	for i, evt := range rec.events {
		assert.Equal(t, fmt.Sprint(i), evt.(*event.MessageIn).MessageID)
	}
}

func TestBusRegistrationOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus(zerolog.Nop())
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		bus.Register(&funcTarget{push: func() { order = append(order, name) }})
	}
	bus.Publish("test", &event.ConfigReload{})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

type funcTarget struct {
	push func()
}

func (f *funcTarget) AcceptEvent(string, event.Event) bool { return true }
func (f *funcTarget) PushEvent(string, event.Event)        { f.push() }

func TestBusRecoversFromPanic(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bus := NewBus(zerolog.New(&buf))
	rec := newRecorder()
	bus.Register(panicker{})
	bus.Register(rec)

	assert.NotPanics(t, func() {
		bus.Publish("discord", &event.ConfigReload{})
	})
	assert.Len(t, rec.events, 1, "later targets must still see the event")
	assert.Contains(t, buf.String(), `"target":"panicker"`)
	assert.Contains(t, buf.String(), `"source":"discord"`)
}

func TestBusAcceptFilter(t *testing.T) {
	t.Parallel()
	bus := NewBus(zerolog.Nop())
	rec := newRecorder(event.KindJoin)
	bus.Register(rec)
	bus.Publish("irc", &event.Part{})
	bus.Publish("irc", &event.Join{UserID: "u"})
	require.Len(t, rec.events, 1)
	assert.Equal(t, event.KindJoin, rec.events[0].Kind())
}

func TestBusRegisterUnregister(t *testing.T) {
	t.Parallel()
	bus := NewBus(zerolog.Nop())
	rec := newRecorder()
	bus.Register(rec)
	bus.Register(rec)
	bus.Publish("x", &event.ConfigReload{})
	assert.Len(t, rec.events, 1, "double registration must not duplicate delivery")

	bus.Unregister(rec)
	bus.Unregister(rec)
	bus.Publish("x", &event.ConfigReload{})
	assert.Len(t, rec.events, 1)
}

// ---------------------------------------------------------------------------
// ChannelRouter
// ---------------------------------------------------------------------------

func TestRouterLookups(t *testing.T) {
	t.Parallel()
	second := config.Mapping{DiscordChannelID: "2", IRC: &config.IRCTarget{Server: "irc.libera.chat", Channel: "#other"}}
	dup := config.Mapping{DiscordChannelID: "123456789"}
	r := NewChannelRouter([]config.Mapping{fullMapping, second, dup})

	m := r.ByDiscord("123456789")
	require.NotNil(t, m)
	assert.NotNil(t, m.IRC, "first match wins over the duplicate")

	assert.Equal(t, "123456789", r.ByIRC("irc.libera.chat", "#TEST").DiscordChannelID)
	assert.Equal(t, "2", r.ByIRC("IRC.LIBERA.CHAT", "#other").DiscordChannelID)
	assert.Nil(t, r.ByIRC("irc.oftc.net", "#test"))

	assert.Equal(t, "123456789", r.ByXMPP("test@conference.example.com/nick").DiscordChannelID)
	assert.Equal(t, "123456789", r.ByXMPP("Test@Conference.Example.com").DiscordChannelID)
	assert.Nil(t, r.ByXMPP("other@conference.example.com"))
	assert.Nil(t, r.ByDiscord("nope"))
	assert.Len(t, r.All(), 3)
}

func TestRouterLoadReplaces(t *testing.T) {
	t.Parallel()
	r := NewChannelRouter([]config.Mapping{fullMapping})
	before := r.All()

	cfg := &config.Config{Mappings: []config.Mapping{{DiscordChannelID: "9"}}}
	r.LoadFromConfig(cfg)

	assert.Nil(t, r.ByDiscord("123456789"))
	assert.NotNil(t, r.ByDiscord("9"))
	assert.Len(t, before, 1, "earlier snapshots are not mutated")
	assert.Equal(t, "123456789", before[0].DiscordChannelID)

	cfg.Mappings[0].DiscordChannelID = "changed"
	assert.NotNil(t, r.ByDiscord("9"), "router holds its own copy")
}

func TestRouterConcurrentLoad(t *testing.T) {
	t.Parallel()
	r := NewChannelRouter([]config.Mapping{fullMapping})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Load([]config.Mapping{{DiscordChannelID: fmt.Sprint(i)}, fullMapping})
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = r.ByIRC("irc.libera.chat", "#test")
			}
		}()
	}
	wg.Wait()
	assert.NotNil(t, r.ByDiscord("123456789"))
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestRelayDiscordToIRC(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, config.Mapping{
		DiscordChannelID: "123456789",
		IRC:              &config.IRCTarget{Server: "irc.libera.chat", Port: 6667, Channel: "#test"},
	})

	bus.Publish("discord", &event.MessageIn{
		Origin:        event.OriginDiscord,
		ChannelID:     "123456789",
		AuthorID:      "u1",
		AuthorDisplay: "TestUser",
		Content:       "Hello!",
		MessageID:     "m1",
	})

	require.Len(t, rec.events, 1)
	out := rec.events[0].(*event.MessageOut)
	assert.Equal(t, event.OriginIRC, out.TargetOrigin)
	assert.Equal(t, "Hello!", out.Content)
	assert.Equal(t, "TestUser", out.AuthorDisplay)
	assert.Equal(t, "123456789", out.ChannelID)
	assert.Equal(t, event.OriginDiscord, out.SourceOrigin)
}

func TestRelayFanOut(t *testing.T) {
	t.Parallel()
	partial := config.Mapping{DiscordChannelID: "555", XMPP: &config.XMPPTarget{MUCJID: "r@muc.example.com"}}
	tests := []struct {
		name    string
		mapping config.Mapping
		origin  event.Origin
		want    []event.Origin
	}{
		{"discord to both", fullMapping, event.OriginDiscord, []event.Origin{event.OriginIRC, event.OriginXMPP}},
		{"irc to both", fullMapping, event.OriginIRC, []event.Origin{event.OriginDiscord, event.OriginXMPP}},
		{"xmpp to both", fullMapping, event.OriginXMPP, []event.Origin{event.OriginDiscord, event.OriginIRC}},
		{"discord without irc leg", partial, event.OriginDiscord, []event.Origin{event.OriginXMPP}},
		{"xmpp without irc leg", partial, event.OriginXMPP, []event.Origin{event.OriginDiscord}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus, rec := newTestRelay(t, tt.mapping)
			in := &event.MessageIn{
				Origin:        tt.origin,
				ChannelID:     tt.mapping.DiscordChannelID,
				AuthorID:      "author",
				AuthorDisplay: "Author",
				Content:       "some *content*",
				MessageID:     "mid",
				ReplyToID:     "parent",
			}
			bus.Publish(string(tt.origin), in)

			var got []event.Origin
			for _, evt := range rec.events {
				out := evt.(*event.MessageOut)
				got = append(got, out.TargetOrigin)
				assert.NotEqual(t, tt.origin, out.TargetOrigin)
				assert.Equal(t, in.Content, out.Content)
				assert.Equal(t, in.AuthorID, out.AuthorID)
				assert.Equal(t, in.AuthorDisplay, out.AuthorDisplay)
				assert.Equal(t, in.MessageID, out.MessageID)
				assert.Equal(t, in.ReplyToID, out.ReplyToID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelayReplyChain(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, fullMapping)
	for _, msg := range []struct{ id, reply string }{{"msg1", ""}, {"msg2", "msg1"}, {"msg3", "msg2"}} {
		bus.Publish("discord", &event.MessageIn{
			Origin:    event.OriginDiscord,
			ChannelID: "123456789",
			Content:   msg.id,
			MessageID: msg.id,
			ReplyToID: msg.reply,
		})
	}
	outs := rec.messageOuts(event.OriginIRC)
	require.Len(t, outs, 3)
	assert.Equal(t, "", outs[0].ReplyToID)
	assert.Equal(t, "msg1", outs[1].ReplyToID)
	assert.Equal(t, "msg2", outs[2].ReplyToID)
	assert.Equal(t, []string{"msg1", "msg2", "msg3"}, []string{outs[0].MessageID, outs[1].MessageID, outs[2].MessageID})
}

func TestRelayUnknownChannel(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, fullMapping)
	bus.Publish("discord", &event.MessageIn{Origin: event.OriginDiscord, ChannelID: "999", Content: "x"})
	assert.Empty(t, rec.events)
}

func TestRelayResolveFallbacks(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, fullMapping)
	bus.Publish("irc", &event.MessageIn{Origin: event.OriginIRC, ChannelID: "irc.libera.chat/#Test", Content: "a"})
	bus.Publish("xmpp", &event.MessageIn{Origin: event.OriginXMPP, ChannelID: "test@conference.example.com", Content: "b"})
	require.Len(t, rec.events, 4)
	for _, evt := range rec.events {
		assert.Equal(t, "123456789", evt.(*event.MessageOut).ChannelID)
	}

	relay := NewRelay(zerolog.Nop(), bus, NewChannelRouter(nil), nil)
	_, err := relay.Resolve(event.OriginDiscord, "1")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestRelayContentFilter(t *testing.T) {
	t.Parallel()
	bus := NewBus(zerolog.Nop())
	relay := NewRelay(zerolog.Nop(), bus, NewChannelRouter([]config.Mapping{fullMapping}), []*regexp.Regexp{regexp.MustCompile(`^!`)})
	rec := newRecorder(event.KindMessageOut)
	bus.Register(relay)
	bus.Register(rec)

	bus.Publish("discord", &event.MessageIn{Origin: event.OriginDiscord, ChannelID: "123456789", Content: "!cmd"})
	assert.Empty(t, rec.events)

	relay.UpdateConfig(&config.Config{})
	bus.Publish("discord", &event.MessageIn{Origin: event.OriginDiscord, ChannelID: "123456789", Content: "!cmd"})
	assert.Len(t, rec.events, 2)
}

func TestRelayEditAndQuoteFields(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, fullMapping)
	bus.Publish("xmpp", &event.MessageIn{
		Origin:             event.OriginXMPP,
		ChannelID:          "123456789",
		Content:            "fixed",
		MessageID:          "stanza-2",
		IsEdit:             true,
		ReplaceID:          "origin-1",
		XMPPIDAliases:      []string{"origin-2"},
		ReplyQuotedContent: "q",
		ReplyQuotedAuthor:  "qa",
	})
	outs := rec.messageOuts(event.OriginIRC)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].IsEdit)
	assert.Equal(t, "origin-1", outs[0].ReplaceID)
	assert.Equal(t, []string{"origin-2"}, outs[0].XMPPIDAliases)
	assert.Equal(t, "q", outs[0].ReplyQuotedContent)
	assert.Equal(t, "qa", outs[0].ReplyQuotedAuthor)
	assert.Equal(t, event.OriginXMPP, outs[0].SourceOrigin)
}

func TestRelayDeleteReactionTyping(t *testing.T) {
	t.Parallel()
	bus, rec := newTestRelay(t, fullMapping)
	bus.Publish("irc", &event.MessageDelete{Origin: event.OriginIRC, ChannelID: "123456789", MessageID: "d1"})
	bus.Publish("discord", &event.ReactionIn{Origin: event.OriginDiscord, ChannelID: "123456789", MessageID: "d1", Emoji: "👍", IsRemove: true})
	bus.Publish("xmpp", &event.TypingIn{Origin: event.OriginXMPP, ChannelID: "123456789", UserID: "u"})

	require.Len(t, rec.events, 6)
	del := rec.events[0].(*event.MessageDeleteOut)
	assert.Equal(t, event.OriginDiscord, del.TargetOrigin)
	assert.Equal(t, "d1", del.MessageID)
	assert.Equal(t, event.OriginXMPP, rec.events[1].(*event.MessageDeleteOut).TargetOrigin)

	react := rec.events[2].(*event.ReactionOut)
	assert.Equal(t, event.OriginIRC, react.TargetOrigin)
	assert.True(t, react.IsRemove)
	assert.Equal(t, "👍", react.Emoji)

	assert.Equal(t, event.OriginDiscord, rec.events[4].(*event.TypingOut).TargetOrigin)
	assert.Equal(t, event.OriginIRC, rec.events[5].(*event.TypingOut).TargetOrigin)
}

func TestRelayIgnoresOutbound(t *testing.T) {
	t.Parallel()
	relay := NewRelay(zerolog.Nop(), NewBus(zerolog.Nop()), NewChannelRouter(nil), nil)
	assert.False(t, relay.AcceptEvent("x", &event.MessageOut{}))
	assert.False(t, relay.AcceptEvent("x", &event.Join{}))
	assert.True(t, relay.AcceptEvent("x", &event.MessageIn{}))
}

// ---------------------------------------------------------------------------
// MessageIDResolver
// ---------------------------------------------------------------------------

type fakeIRCCorrelator struct {
	toDiscord map[string]string
	toIRC     map[string]string
}

func (f *fakeIRCCorrelator) Store(irc, discord string) {
	f.toDiscord[irc] = discord
	f.toIRC[discord] = irc
}

func (f *fakeIRCCorrelator) DiscordOf(irc string) (string, bool) {
	v, ok := f.toDiscord[irc]
	return v, ok
}

func (f *fakeIRCCorrelator) IRCOf(discord string) (string, bool) {
	v, ok := f.toIRC[discord]
	return v, ok
}

func TestMessageIDResolverUnregistered(t *testing.T) {
	t.Parallel()
	r := NewMessageIDResolver()
	_, ok := r.DiscordID(event.OriginIRC, "abc")
	assert.False(t, ok)
	_, ok = r.NativeID(event.OriginXMPP, "d1")
	assert.False(t, ok)
	assert.False(t, r.AddDiscordIDAlias("d1", "abc"))
	r.StoreIRC("abc", "d1")
	r.StoreXMPP("x", "d1", "room@muc")
}

func TestMessageIDResolverIRC(t *testing.T) {
	t.Parallel()
	r := NewMessageIDResolver()
	r.RegisterIRC(&fakeIRCCorrelator{toDiscord: map[string]string{}, toIRC: map[string]string{}})
	r.StoreIRC("abc", "d1")

	got, ok := r.DiscordID(event.OriginIRC, "abc")
	assert.True(t, ok)
	assert.Equal(t, "d1", got)

	got, ok = r.NativeID(event.OriginIRC, "d1")
	assert.True(t, ok)
	assert.Equal(t, "abc", got)

	got, ok = r.DiscordID(event.OriginDiscord, "d9")
	assert.True(t, ok)
	assert.Equal(t, "d9", got)
}
