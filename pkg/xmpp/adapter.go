// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package xmpp is the XMPP leg of the bridge: one component connection that
// puts an occupant in each mapped MUC for every bridged user.
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	melliumxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
	"github.com/aiku/atl-bridge/pkg/format/ircfmt"
	"github.com/aiku/atl-bridge/pkg/gateway"
	"github.com/aiku/atl-bridge/pkg/identity"
	"github.com/aiku/atl-bridge/pkg/msgid"
	"github.com/aiku/atl-bridge/pkg/retry"
)

// Name is the bus source name of XMPP events.
const Name = "xmpp"

const (
	workQueueSize  = 256
	maxBodyChars   = 4000
	maxNickChars   = 20
	seenTTL        = 60 * time.Second
	recentSentTTL  = 10 * time.Second
	reactionSetTTL = time.Hour
	historyCutoff  = 60 * time.Second
	leaveTimeout   = 5 * time.Second
)

// ErrNotConnected is returned when the component stream is down.
var ErrNotConnected = errors.New("xmpp component not connected")

// Adapter bridges the mapped MUCs onto the bus.
type Adapter struct {
	log      zerolog.Logger
	bus      gateway.Publisher
	router   *gateway.ChannelRouter
	ids      *gateway.MessageIDResolver
	tracker  *msgid.XMPPTracker
	identity identity.Resolver
	cfg      atomic.Pointer[config.Config]

	comp     ComponentConfig
	domain   string
	listener jid.JID

	now         func() time.Time
	joinTimeout time.Duration
	httpClient  *http.Client

	work chan event.Event

	// dial is replaced in tests.
	dial    func(ctx context.Context) (session, error)
	backoff retry.Backoff

	mu           sync.Mutex
	sess         session
	pendingJoins map[string]chan error
	joined       map[joinedKey]string
	own          map[string]occupant
	roster       map[string]string

	seen          *ttlcache.Cache[string, struct{}]
	recentSent    *ttlcache.Cache[string, struct{}]
	reactionSets  *ttlcache.Cache[string, []string]
	sentReactions *ttlcache.Cache[string, []string]
}

var _ gateway.Target = (*Adapter)(nil)

// NewAdapter creates the adapter and registers its id table with ids. The
// component settings come from cfg.Env. resolver may be nil, in which case
// display names are used as occupant nicks.
func NewAdapter(log zerolog.Logger, cfg *config.Config, bus gateway.Publisher, router *gateway.ChannelRouter,
	ids *gateway.MessageIDResolver, resolver identity.Resolver) *Adapter {
	comp := ComponentConfig{
		JID:    cfg.Env.XMPPComponentJID,
		Secret: cfg.Env.XMPPComponentSecret,
		Server: cfg.Env.XMPPComponentServer,
		Port:   cfg.Env.XMPPComponentPort,
	}
	a := &Adapter{
		log:          log.With().Str("component", "xmpp").Logger(),
		bus:          bus,
		router:       router,
		ids:          ids,
		tracker:      msgid.NewXMPPTracker(msgid.DefaultTTL),
		identity:     resolver,
		comp:         comp,
		domain:       comp.JID,
		now:          time.Now,
		joinTimeout:  joinTimeout,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		work:         make(chan event.Event, workQueueSize),
		backoff:      retry.Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Jitter: true},
		pendingJoins: make(map[string]chan error),
		joined:       make(map[joinedKey]string),
		own:          make(map[string]occupant),
		roster:       make(map[string]string),
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](seenTTL),
			ttlcache.WithCapacity[string, struct{}](500),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		recentSent: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](recentSentTTL),
			ttlcache.WithCapacity[string, struct{}](200),
		),
		reactionSets: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](reactionSetTTL),
			ttlcache.WithCapacity[string, []string](2000),
		),
		sentReactions: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](reactionSetTTL),
			ttlcache.WithCapacity[string, []string](2000),
		),
	}
	if addr, err := jid.Parse(comp.JID); err == nil {
		a.domain = addr.Domainpart()
	}
	if listener, err := jid.New(listenerNode, a.domain, ""); err == nil {
		a.listener = listener
	}
	a.dial = func(ctx context.Context) (session, error) { return dialComponent(ctx, a.comp) }
	a.cfg.Store(cfg)
	ids.RegisterXMPP(a.tracker)
	return a
}

func (a *Adapter) Name() string { return Name }

// Tracker exposes the id table.
func (a *Adapter) Tracker() *msgid.XMPPTracker { return a.tracker }

// UpdateConfig installs a new configuration generation. Rooms are joined
// and left when the matching ConfigReload event arrives.
func (a *Adapter) UpdateConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
}

// Connected reports whether the component stream is up.
func (a *Adapter) Connected() bool {
	return a.session() != nil
}

func (a *Adapter) AcceptEvent(_ string, evt event.Event) bool {
	switch evt.(type) {
	case *event.ConfigReload:
		return true
	case *event.TypingOut:
		return false
	}
	return event.TargetsOrigin(evt, event.OriginXMPP)
}

// PushEvent queues evt for the worker. A full queue drops the event.
func (a *Adapter) PushEvent(_ string, evt event.Event) {
	select {
	case a.work <- evt:
	default:
		a.log.Warn().Str("event", string(evt.Kind())).Msg("XMPP work queue full, dropping event")
	}
}

// Run keeps the component connected and processes outbound events until ctx
// is done.
func (a *Adapter) Run(ctx context.Context) error {
	go a.seen.Start()
	defer a.seen.Stop()
	go a.recentSent.Start()
	defer a.recentSent.Stop()
	go a.reactionSets.Start()
	defer a.reactionSets.Stop()
	go a.sentReactions.Start()
	defer a.sentReactions.Stop()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		a.maintain(ctx)
	}()
	for {
		select {
		case <-ctx.Done():
			<-connDone
			return nil
		case evt := <-a.work:
			a.handle(ctx, evt)
		}
	}
}

// maintain reconnects the component with backoff until ctx is done.
func (a *Adapter) maintain(ctx context.Context) {
	attempt := 0
	for {
		connected, err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		wait := a.backoff.Delay(attempt)
		a.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("XMPP component disconnected, reconnecting")
		if err := retry.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

// connectOnce runs one component stream until it ends.
func (a *Adapter) connectOnce(ctx context.Context) (connected bool, err error) {
	s, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	a.resetOccupants()
	a.setSession(s)
	defer a.setSession(nil)
	a.log.Info().Str("jid", a.comp.JID).Str("server", a.comp.addr()).Msg("XMPP component connected")

	served := make(chan error, 1)
	go func() { served <- s.Serve(melliumxmpp.HandlerFunc(a.HandleXMPP)) }()
	go a.joinRooms(ctx, s)

	select {
	case err = <-served:
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		a.leaveAll(leaveCtx, s)
		cancel()
		_ = s.Close()
		err = <-served
	}
	if err == nil {
		err = errors.New("stream closed")
	}
	return true, err
}

func (a *Adapter) session() session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Adapter) setSession(s session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = s
	if s == nil {
		for key, ch := range a.pendingJoins {
			select {
			case ch <- ErrNotConnected:
			default:
			}
			delete(a.pendingJoins, key)
		}
	}
}

// mappedRooms returns the bare JIDs of every mapped MUC.
func (a *Adapter) mappedRooms() []jid.JID {
	var rooms []jid.JID
	for _, m := range a.router.All() {
		if m.XMPP == nil {
			continue
		}
		room, err := jid.Parse(m.XMPP.MUCJID)
		if err != nil {
			a.log.Warn().Err(err).Str("muc_jid", m.XMPP.MUCJID).Msg("Invalid MUC JID in mapping")
			continue
		}
		rooms = append(rooms, room.Bare())
	}
	return rooms
}

// joinRooms puts the listener in every mapped room.
func (a *Adapter) joinRooms(ctx context.Context, s stanzaSender) {
	for _, room := range a.mappedRooms() {
		if _, err := a.ensureJoined(ctx, s, room, a.listener, ListenerNick); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn().Err(err).Str("room", room.String()).Msg("Failed to join MUC as listener")
		}
	}
}

// reconcileRooms joins newly mapped rooms and leaves unmapped ones.
func (a *Adapter) reconcileRooms(ctx context.Context) {
	s := a.session()
	if s == nil {
		return
	}
	wanted := make(map[string]bool)
	for _, room := range a.mappedRooms() {
		wanted[strings.ToLower(room.String())] = true
	}
	for _, room := range a.joinedRooms() {
		if !wanted[strings.ToLower(room)] {
			a.log.Info().Str("room", room).Msg("MUC no longer mapped, leaving")
			a.leaveRoom(ctx, s, room)
		}
	}
	go a.joinRooms(ctx, s)
}

func (a *Adapter) handle(ctx context.Context, evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageOut:
		a.sendMessage(ctx, e)
	case *event.MessageDeleteOut:
		a.sendRetraction(ctx, e)
	case *event.ReactionOut:
		a.sendReaction(ctx, e)
	case *event.ConfigReload:
		a.reconcileRooms(ctx)
	}
}

// newID returns an id of the form bridge-{unix_ms}-{12 hex}.
func (a *Adapter) newID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("bridge-%d-%s", a.now().UnixMilli(), hex[:12])
}

// discordKey resolves id native to source into the Discord id, falling back
// to id itself for messages Discord has not stored yet.
func (a *Adapter) discordKey(source event.Origin, id string) string {
	if d, ok := a.ids.DiscordID(source, id); ok {
		return d
	}
	return id
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// resolveNick picks the occupant nick of an author: the linked XMPP
// account for Discord users, else the display name.
func (a *Adapter) resolveNick(ctx context.Context, source event.Origin, authorID, display string) string {
	if source == event.OriginDiscord && a.identity != nil && authorID != "" {
		linked, err := a.identity.DiscordToXMPP(ctx, authorID)
		if err != nil {
			a.log.Debug().Err(err).Str("discord_id", authorID).Msg("XMPP identity lookup failed, using display name")
		} else if linked != "" {
			if local, _, ok := strings.Cut(linked, "@"); ok {
				return local
			}
			return linked
		}
	}
	name := strings.TrimSpace(display)
	if name == "" {
		name = authorID
	}
	name = truncateRunes(name, maxNickChars)
	if name == "" {
		return "bridge"
	}
	return name
}

// occupantFor joins the author's occupant to room and returns its JID and
// the nick it holds.
func (a *Adapter) occupantFor(ctx context.Context, s stanzaSender, room jid.JID, source event.Origin,
	authorID, display string) (jid.JID, string, error) {
	nick := a.resolveNick(ctx, source, authorID, display)
	user, err := a.userJID(nick)
	if err != nil {
		return jid.JID{}, "", fmt.Errorf("no JID for nick %q: %w", nick, err)
	}
	held, err := a.ensureJoined(ctx, s, room, user, nick)
	if err != nil {
		return jid.JID{}, "", err
	}
	return user, held, nil
}

// target resolves the room and session of a Discord channel id.
func (a *Adapter) target(channelID string) (jid.JID, session, bool) {
	m := a.router.ByDiscord(channelID)
	if m == nil || m.XMPP == nil {
		return jid.JID{}, nil, false
	}
	room, err := jid.Parse(m.XMPP.MUCJID)
	if err != nil {
		a.log.Warn().Err(err).Str("muc_jid", m.XMPP.MUCJID).Msg("Invalid MUC JID in mapping")
		return jid.JID{}, nil, false
	}
	s := a.session()
	if s == nil {
		a.log.Warn().Str("channel_id", channelID).Msg("XMPP send skipped, component not connected")
		return jid.JID{}, nil, false
	}
	return room.Bare(), s, true
}

// spoilerRe matches a Discord spoiler span.
var spoilerRe = regexp.MustCompile(`(?s)\|\|(.+?)\|\|`)

// render converts content for XMPP according to where it came from.
func render(evt *event.MessageOut) string {
	content := evt.Content
	if evt.SourceOrigin == event.OriginIRC {
		content = ircfmt.Strip(content)
	}
	if evt.IsAction {
		content = "/me " + content
	}
	return strings.TrimSpace(content)
}

func (a *Adapter) sendMessage(ctx context.Context, evt *event.MessageOut) {
	room, s, ok := a.target(evt.ChannelID)
	if !ok {
		return
	}
	body := render(evt)
	spoiler := spoilerRe.MatchString(body)
	if spoiler {
		body = spoilerRe.ReplaceAllString(body, "$1")
	}
	body = truncateRunes(body, maxBodyChars)
	if body == "" {
		return
	}

	user, nick, err := a.occupantFor(ctx, s, room, evt.SourceOrigin, evt.AuthorID, evt.AuthorDisplay)
	if err != nil {
		a.log.Warn().Err(err).Str("room", room.String()).Msg("No occupant to send XMPP message from")
		return
	}
	a.recentSent.Set(occupantAddr(room.String(), nick), struct{}{}, ttlcache.DefaultTTL)

	out := outMessage{ID: a.newID(), From: user, To: room, Body: body, Spoiler: spoiler}
	if evt.IsEdit {
		replaced := evt.ReplaceID
		if replaced == "" {
			replaced = evt.MessageID
		}
		target, ok := a.tracker.XMPPOf(a.discordKey(evt.SourceOrigin, replaced))
		if !ok {
			a.log.Warn().
				Str("source_id", replaced).
				Msg("Cannot send XMPP correction, original message unknown")
			return
		}
		out.Replace = target
	} else {
		if evt.ReplyToID != "" {
			if target, ok := a.tracker.XMPPForReaction(a.discordKey(evt.SourceOrigin, evt.ReplyToID)); ok {
				out.ReplyTo = target
				out.ReplyJID = room
			}
		}
		// Stored before sending so the reflected stanza-id can alias it.
		a.tracker.Store(out.ID, a.discordKey(evt.SourceOrigin, evt.MessageID), room.String())
	}
	if err := s.Send(ctx, out.TokenReader()); err != nil {
		a.log.Warn().Err(err).Str("room", room.String()).Str("id", out.ID).Msg("Failed to send XMPP message")
		return
	}
	a.log.Debug().
		Str("room", room.String()).
		Str("as", nick).
		Str("id", out.ID).
		Str("replaces", out.Replace).
		Msg("Sent XMPP message")
}

func (a *Adapter) sendRetraction(ctx context.Context, evt *event.MessageDeleteOut) {
	room, s, ok := a.target(evt.ChannelID)
	if !ok {
		return
	}
	var targets []string
	if id, ok := a.tracker.XMPPForReaction(evt.MessageID); ok {
		targets = append(targets, id)
	}
	if id, ok := a.tracker.XMPPOf(evt.MessageID); ok && !slices.Contains(targets, id) {
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		a.log.Debug().Str("discord_id", evt.MessageID).Msg("No XMPP id for deleted message, not retracting")
		return
	}
	user, _, err := a.occupantFor(ctx, s, room, evt.SourceOrigin, evt.AuthorID, "")
	if err != nil {
		a.log.Warn().Err(err).Str("room", room.String()).Msg("No occupant to retract from")
		return
	}
	for _, id := range targets {
		out := outMessage{ID: a.newID(), From: user, To: room, Retract: id}
		if err := s.Send(ctx, out.TokenReader()); err != nil {
			a.log.Warn().Err(err).Str("target", id).Msg("Failed to send XMPP retraction")
			return
		}
	}
}

func (a *Adapter) sendReaction(ctx context.Context, evt *event.ReactionOut) {
	room, s, ok := a.target(evt.ChannelID)
	if !ok {
		return
	}
	target, ok := a.tracker.XMPPForReaction(evt.MessageID)
	if !ok {
		a.log.Debug().Str("discord_id", evt.MessageID).Msg("No XMPP id for reaction target")
		return
	}
	user, _, err := a.occupantFor(ctx, s, room, evt.SourceOrigin, evt.AuthorID, evt.AuthorDisplay)
	if err != nil {
		a.log.Warn().Err(err).Str("room", room.String()).Msg("No occupant to react from")
		return
	}
	key := target + "\x00" + user.String()
	set := []string{}
	if item := a.sentReactions.Get(key); item != nil {
		set = slices.Clone(item.Value())
	}
	if evt.IsRemove {
		set = slices.DeleteFunc(set, func(e string) bool { return e == evt.Emoji })
	} else if !slices.Contains(set, evt.Emoji) {
		set = append(set, evt.Emoji)
	}
	a.sentReactions.Set(key, set, ttlcache.DefaultTTL)

	out := outMessage{ID: a.newID(), From: user, To: room, Reactions: set, ReactionsTo: target}
	if err := s.Send(ctx, out.TokenReader()); err != nil {
		a.log.Warn().Err(err).Str("target", target).Msg("Failed to send XMPP reaction")
	}
}
