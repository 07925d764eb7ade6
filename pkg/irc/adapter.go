// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package irc is the IRC leg of the bridge: one bot connection per server,
// optional per-user puppet connections, and the IRCv3 tag handling that
// carries replies, edits, reactions, typing and deletions.
package irc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
	"github.com/aiku/atl-bridge/pkg/format"
	"github.com/aiku/atl-bridge/pkg/format/discordfmt"
	"github.com/aiku/atl-bridge/pkg/format/ircfmt"
	"github.com/aiku/atl-bridge/pkg/gateway"
	"github.com/aiku/atl-bridge/pkg/identity"
	"github.com/aiku/atl-bridge/pkg/msgid"
)

// Name is the bus source name of IRC events.
const Name = "irc"

const (
	workQueueSize   = 256
	typingInterval  = 3 * time.Second
	recentRelayTTL  = 5 * time.Second
	ctcpActionStart = "\x01ACTION "
	// maxDisplayBytes bounds the author name put in front of relayed lines.
	maxDisplayBytes = 64
)

// serverConn is the bot connection of one server and its puppets.
type serverConn struct {
	target  config.IRCTarget
	client  *Client
	puppets *PuppetPool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Adapter bridges the mapped IRC channels onto the bus.
type Adapter struct {
	log      zerolog.Logger
	bus      gateway.Publisher
	router   *gateway.ChannelRouter
	ids      *gateway.MessageIDResolver
	tracker  *msgid.IRCTracker
	identity identity.Resolver
	cfg      atomic.Pointer[config.Config]
	now      func() time.Time

	work chan event.Event

	// parked holds messages waiting for their author's puppet lookup, keyed
	// by server and Discord id. Only the worker touches it.
	parked   map[string][]*event.MessageOut
	resolved chan puppetResolution

	// runClient and runPuppets are replaced in tests.
	runClient  func(ctx context.Context, c *Client) error
	runPuppets func(ctx context.Context, p *PuppetPool)

	mu         sync.Mutex
	servers    map[string]*serverConn
	typingLast map[string]time.Time

	sends        *pendingFIFO[pendingSend]
	reactions    *pendingFIFO[pendingReaction]
	recentRelays *ttlcache.Cache[string, struct{}]
}

var _ gateway.Target = (*Adapter)(nil)

// NewAdapter creates the adapter and registers its msgid table with ids.
// resolver may be nil, in which case no puppets are created.
func NewAdapter(log zerolog.Logger, cfg *config.Config, bus gateway.Publisher, router *gateway.ChannelRouter,
	ids *gateway.MessageIDResolver, resolver identity.Resolver) *Adapter {
	a := &Adapter{
		log:        log.With().Str("component", "irc").Logger(),
		bus:        bus,
		router:     router,
		ids:        ids,
		tracker:    msgid.NewIRCTracker(msgid.DefaultTTL),
		identity:   resolver,
		now:        time.Now,
		work:       make(chan event.Event, workQueueSize),
		parked:     make(map[string][]*event.MessageOut),
		resolved:   make(chan puppetResolution, workQueueSize),
		servers:    make(map[string]*serverConn),
		typingLast: make(map[string]time.Time),
		sends:      newPendingFIFO[pendingSend](),
		reactions:  newPendingFIFO[pendingReaction](),
		recentRelays: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](recentRelayTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	a.runClient = func(ctx context.Context, c *Client) error { return c.Run(ctx) }
	a.runPuppets = func(ctx context.Context, p *PuppetPool) { p.Run(ctx) }
	a.cfg.Store(cfg)
	ids.RegisterIRC(a.tracker)
	return a
}

func (a *Adapter) Name() string { return Name }

// Tracker exposes the msgid table.
func (a *Adapter) Tracker() *msgid.IRCTracker { return a.tracker }

// UpdateConfig installs a new configuration generation. Connections are
// reconciled when the matching ConfigReload event arrives.
func (a *Adapter) UpdateConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
}

func (a *Adapter) AcceptEvent(_ string, evt event.Event) bool {
	if _, ok := evt.(*event.ConfigReload); ok {
		return true
	}
	return event.TargetsOrigin(evt, event.OriginIRC)
}

// PushEvent queues evt for the worker. A full queue drops the event.
func (a *Adapter) PushEvent(_ string, evt event.Event) {
	select {
	case a.work <- evt:
	default:
		a.log.Warn().Str("event", string(evt.Kind())).Msg("IRC work queue full, dropping event")
	}
}

// Run connects to every mapped server and processes outbound events until
// ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	go a.recentRelays.Start()
	defer a.recentRelays.Stop()
	a.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			a.stopAll()
			return nil
		case evt := <-a.work:
			a.handle(ctx, evt)
		case res := <-a.resolved:
			a.flushParked(res)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageOut:
		a.sendMessage(ctx, e)
	case *event.MessageDeleteOut:
		a.sendRedact(e)
	case *event.ReactionOut:
		a.sendReaction(e)
	case *event.TypingOut:
		a.sendTyping(e)
	case *event.ConfigReload:
		a.reconcile(ctx)
	}
}

func serverKey(t *config.IRCTarget) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(t.Server), t.Port)
}

// reconcile connects to servers that gained mappings, disconnects servers
// that lost all of them, and joins or parts channels on the rest.
func (a *Adapter) reconcile(ctx context.Context) {
	cfg := a.cfg.Load()
	wanted := make(map[string]config.IRCTarget)
	channels := make(map[string][]string)
	for _, m := range a.router.All() {
		if m.IRC == nil {
			continue
		}
		key := serverKey(m.IRC)
		if _, ok := wanted[key]; !ok {
			wanted[key] = *m.IRC
		}
		channels[key] = append(channels[key], m.IRC.Channel)
	}

	a.mu.Lock()
	var stale []*serverConn
	for key, sc := range a.servers {
		if _, ok := wanted[key]; !ok {
			stale = append(stale, sc)
			delete(a.servers, key)
		}
	}
	for key, target := range wanted {
		sc, ok := a.servers[key]
		if !ok {
			a.servers[key] = a.startServer(ctx, cfg, target, channels[key])
			continue
		}
		a.syncChannels(sc.client, channels[key])
	}
	a.mu.Unlock()

	for _, sc := range stale {
		a.log.Info().Str("server", sc.target.Server).Msg("IRC server no longer mapped, disconnecting")
		sc.stop()
	}
}

func (a *Adapter) syncChannels(c *Client, want []string) {
	for _, ch := range want {
		c.Join(ch)
	}
	for _, ch := range c.Channels() {
		keep := false
		for _, w := range want {
			if strings.EqualFold(w, ch) {
				keep = true
				break
			}
		}
		if !keep {
			c.Part(ch)
		}
	}
}

// startServer creates and runs the connection of target. Caller holds mu.
func (a *Adapter) startServer(ctx context.Context, cfg *config.Config, target config.IRCTarget, channels []string) *serverConn {
	ccfg := ClientConfig{
		Server:               target.Server,
		Port:                 target.Port,
		TLS:                  target.TLS,
		TLSVerify:            cfg.TLSVerify(),
		Nick:                 cfg.IRCNick,
		Channels:             channels,
		AutoRejoin:           cfg.IRCAutoRejoin,
		RejoinDelay:          cfg.RejoinDelay(),
		MaxReconnectAttempts: cfg.IRCMaxReconnectAttempts,
		ThrottleLimit:        cfg.IRCThrottleLimit,
		QueueSize:            cfg.IRCMessageQueue,
	}
	if cfg.IRCUseSASL {
		ccfg.SASLUser = cfg.IRCSASLUser
		ccfg.SASLPassword = cfg.IRCSASLPassword
	}
	runCtx, cancel := context.WithCancel(ctx)
	sc := &serverConn{
		target: target,
		client: NewClient(a.log, ccfg, a.handleLine),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if a.identity != nil {
		sc.puppets = NewPuppetPool(a.log, a.identity, PuppetOptions{
			Postfix:         cfg.IRCPuppetPostfix,
			IdleTimeout:     cfg.PuppetIdleTimeout(),
			PingInterval:    cfg.PuppetPingInterval(),
			PrejoinCommands: cfg.IRCPuppetPrejoinCommands,
			TLSVerify:       cfg.TLSVerify(),
			ThrottleLimit:   cfg.IRCThrottleLimit,
			QueueSize:       cfg.IRCMessageQueue,
		})
		go a.runPuppets(runCtx, sc.puppets)
	}
	go func() {
		defer close(sc.done)
		if err := a.runClient(runCtx, sc.client); err != nil {
			a.log.Error().Err(err).Str("server", target.Server).Msg("IRC connection stopped")
		}
	}()
	a.log.Info().
		Str("server", target.Server).
		Int("port", target.Port).
		Bool("tls", target.TLS).
		Strs("channels", channels).
		Msg("Starting IRC connection")
	return sc
}

func (sc *serverConn) stop() {
	sc.cancel()
	<-sc.done
	if sc.puppets != nil {
		sc.puppets.StopAll()
	}
}

func (a *Adapter) stopAll() {
	a.mu.Lock()
	all := make([]*serverConn, 0, len(a.servers))
	for key, sc := range a.servers {
		all = append(all, sc)
		delete(a.servers, key)
	}
	a.mu.Unlock()
	for _, sc := range all {
		sc.stop()
	}
}

func (a *Adapter) server(t *config.IRCTarget) *serverConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.servers[serverKey(t)]
}

// Status returns the connection state of every server.
func (a *Adapter) Status() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.servers))
	for _, sc := range a.servers {
		out[sc.target.Server] = sc.client.State().String()
	}
	return out
}

// Dropped returns the number of outbound lines dropped on queue overflow.
func (a *Adapter) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, sc := range a.servers {
		n += sc.client.Queue().Dropped()
	}
	return n
}

// PuppetCount returns the number of live puppet connections.
func (a *Adapter) PuppetCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, sc := range a.servers {
		if sc.puppets != nil {
			n += sc.puppets.Count()
		}
	}
	return n
}

// puppetsOf returns the puppet pool sharing c's server, if any.
func (a *Adapter) puppetsOf(c *Client) *PuppetPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sc := range a.servers {
		if sc.client == c {
			return sc.puppets
		}
	}
	return nil
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

// isBridgeNick reports whether nick is us, one of our puppets, or a
// RELAYMSG nick spoofed by us.
func (a *Adapter) isBridgeNick(c *Client, nick string, msg ircmsg.Message) bool {
	if strings.EqualFold(nick, c.Nick()) {
		return true
	}
	if pool := a.puppetsOf(c); pool != nil && (pool.IsPuppetNick(nick) || pool.IsPuppetNick(relayedBase(nick))) {
		return true
	}
	for _, tag := range []string{"draft/relaymsg", "relaymsg"} {
		if ok, relayer := msg.GetTag(tag); ok && strings.EqualFold(relayer, c.Nick()) {
			return true
		}
	}
	return false
}

// handleLine is the Client handler of every bot connection.
func (a *Adapter) handleLine(c *Client, msg ircmsg.Message) {
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
		a.onMessage(c, msg)
	case "TAGMSG":
		a.onTagMsg(c, msg)
	case "REDACT":
		a.onRedact(c, msg)
	case "JOIN", "PART", "QUIT", "KICK":
		a.onPresence(c, msg)
	}
}

func (a *Adapter) onMessage(c *Client, msg ircmsg.Message) {
	if len(msg.Params) < 2 || !isChannel(msg.Params[0]) {
		return
	}
	channel, text := msg.Params[0], msg.Params[1]
	m := a.router.ByIRC(c.Server(), channel)
	if m == nil {
		return
	}
	nick := nickOf(msg.Source)
	_, id := msg.GetTag("msgid")

	if a.isBridgeNick(c, nick, msg) || a.recentRelays.Has(echoKey(c.Server(), channel, nick)) {
		a.correlateEcho(c.Server(), channel, nick, id)
		return
	}

	isAction := false
	if strings.HasPrefix(text, ctcpActionStart) {
		isAction = true
		text = strings.TrimSuffix(text[len(ctcpActionStart):], "\x01")
	} else if strings.HasPrefix(text, "\x01") {
		return
	}
	if id == "" {
		id = "irc:" + uuid.NewString()
	}
	_, replyTo := msg.GetTag("+draft/reply")
	hasEdit, replaces := msg.GetTag("+draft/edit")
	if hasEdit && replaces == "" {
		// A bare edit tag names the corrected message in +draft/reply.
		replaces, replyTo = replyTo, ""
	}

	evt := &event.MessageIn{
		Origin:        event.OriginIRC,
		ChannelID:     m.DiscordChannelID,
		AuthorID:      nick,
		AuthorDisplay: nick,
		Content:       text,
		MessageID:     id,
		ReplyToID:     replyTo,
		IsEdit:        hasEdit && replaces != "",
		IsAction:      isAction,
		Raw: event.Raw{
			"irc_server":  c.Server(),
			"irc_channel": channel,
			"irc_command": msg.Command,
		},
	}
	if evt.IsEdit {
		evt.ReplaceID = replaces
	}
	a.log.Debug().
		Str("channel", channel).
		Str("author", nick).
		Str("msgid", id).
		Bool("edit", evt.IsEdit).
		Msg("IRC message bridged")
	a.bus.Publish(Name, evt)
}

// correlateEcho links the echoed msgid of one of our sends to the Discord
// id of the message it carried.
func (a *Adapter) correlateEcho(server, channel, nick, ircID string) {
	pending, ok := a.sends.Pop(echoKey(server, channel, nick))
	if !ok || ircID == "" {
		return
	}
	discordID, ok := a.ids.DiscordID(pending.source, pending.id)
	if !ok {
		discordID = pending.id
	}
	a.tracker.Store(ircID, discordID)
	a.log.Debug().Str("msgid", ircID).Str("discord_id", discordID).Msg("Stored IRC echo msgid")
}

func (a *Adapter) onTagMsg(c *Client, msg ircmsg.Message) {
	if len(msg.Params) < 1 || !isChannel(msg.Params[0]) {
		return
	}
	channel := msg.Params[0]
	m := a.router.ByIRC(c.Server(), channel)
	if m == nil {
		return
	}
	nick := nickOf(msg.Source)
	_, id := msg.GetTag("msgid")
	_, replyTo := msg.GetTag("+draft/reply")
	hasReact, react := msg.GetTag("+draft/react")
	hasUnreact, unreact := msg.GetTag("+draft/unreact")
	hasEdit, _ := msg.GetTag("+draft/edit")

	if a.isBridgeNick(c, nick, msg) {
		if hasReact {
			if p, ok := a.reactions.Pop(echoKey(c.Server(), channel, nick)); ok {
				a.tracker.StoreReaction(p.discordID, p.emoji, p.authorID, id)
			}
		}
		return
	}

	switch {
	case (hasReact || hasUnreact) && replyTo != "":
		emoji, remove := react, false
		if !hasReact {
			emoji, remove = unreact, true
		}
		discordID, ok := a.tracker.DiscordOf(replyTo)
		if !ok {
			a.log.Debug().Str("reply_to", replyTo).Msg("No Discord id for IRC reaction target")
			return
		}
		if !remove {
			a.tracker.StoreReaction(discordID, emoji, nick, id)
		}
		a.bus.Publish(Name, &event.ReactionIn{
			Origin:        event.OriginIRC,
			ChannelID:     m.DiscordChannelID,
			MessageID:     discordID,
			Emoji:         emoji,
			AuthorID:      nick,
			AuthorDisplay: nick,
			IsRemove:      remove,
		})
	case hasEdit:
		// TAGMSG carries no text, so there is nothing to put in the edit.
		a.log.Debug().Str("channel", channel).Str("reply_to", replyTo).Msg("Ignoring IRC edit without text")
	case typingActive(msg):
		a.bus.Publish(Name, &event.TypingIn{
			Origin:    event.OriginIRC,
			ChannelID: m.DiscordChannelID,
			UserID:    nick,
		})
	}
}

func typingActive(msg ircmsg.Message) bool {
	for _, tag := range []string{"+typing", "typing"} {
		if ok, v := msg.GetTag(tag); ok && v == "active" {
			return true
		}
	}
	return false
}

func (a *Adapter) onRedact(c *Client, msg ircmsg.Message) {
	if len(msg.Params) < 2 || !isChannel(msg.Params[0]) {
		return
	}
	channel, target := msg.Params[0], msg.Params[1]
	m := a.router.ByIRC(c.Server(), channel)
	if m == nil {
		return
	}
	nick := nickOf(msg.Source)
	if a.isBridgeNick(c, nick, msg) {
		return
	}
	if key, ok := a.tracker.ReactionKeyOf(target); ok {
		a.tracker.ForgetReaction(target)
		author := nick
		if author == "" {
			author = key.AuthorID
		}
		a.bus.Publish(Name, &event.ReactionIn{
			Origin:        event.OriginIRC,
			ChannelID:     m.DiscordChannelID,
			MessageID:     key.DiscordID,
			Emoji:         key.Emoji,
			AuthorID:      author,
			AuthorDisplay: author,
			IsRemove:      true,
		})
		return
	}
	discordID, ok := a.tracker.DiscordOf(target)
	if !ok {
		a.log.Debug().Str("msgid", target).Msg("No Discord id for IRC REDACT")
		return
	}
	a.bus.Publish(Name, &event.MessageDelete{
		Origin:        event.OriginIRC,
		ChannelID:     m.DiscordChannelID,
		MessageID:     discordID,
		AuthorID:      nick,
		AuthorDisplay: nick,
	})
}

func (a *Adapter) onPresence(c *Client, msg ircmsg.Message) {
	if !a.cfg.Load().AnnounceJoinsAndQuits {
		return
	}
	nick := nickOf(msg.Source)
	param := func(i int) string {
		if i < len(msg.Params) {
			return msg.Params[i]
		}
		return ""
	}
	if msg.Command == "KICK" {
		nick = param(1)
	}
	if nick == "" || a.isBridgeNick(c, nick, msg) {
		return
	}
	if msg.Command == "QUIT" {
		a.bus.Publish(Name, &event.Quit{Origin: event.OriginIRC, UserID: nick, Display: nick, Reason: param(0)})
		return
	}
	m := a.router.ByIRC(c.Server(), param(0))
	if m == nil {
		return
	}
	switch msg.Command {
	case "JOIN":
		a.bus.Publish(Name, &event.Join{Origin: event.OriginIRC, ChannelID: m.DiscordChannelID, UserID: nick, Display: nick})
	case "PART":
		a.bus.Publish(Name, &event.Part{Origin: event.OriginIRC, ChannelID: m.DiscordChannelID, UserID: nick, Display: nick, Reason: param(1)})
	case "KICK":
		reason := "kicked by " + nickOf(msg.Source)
		if r := param(2); r != "" {
			reason += ": " + r
		}
		a.bus.Publish(Name, &event.Part{Origin: event.OriginIRC, ChannelID: m.DiscordChannelID, UserID: nick, Display: nick, Reason: reason})
	}
}

// mapped returns the IRC leg and connection of a Discord channel id.
func (a *Adapter) mapped(channelID string) (*config.IRCTarget, *serverConn) {
	m := a.router.ByDiscord(channelID)
	if m == nil || m.IRC == nil {
		return nil, nil
	}
	sc := a.server(m.IRC)
	if sc == nil {
		a.log.Warn().Str("server", m.IRC.Server).Str("channel_id", channelID).Msg("No IRC connection for mapping")
		return m.IRC, nil
	}
	return m.IRC, sc
}

// render converts content for IRC according to where it came from.
func render(evt *event.MessageOut) string {
	content := evt.Content
	if evt.SourceOrigin == event.OriginDiscord {
		content = discordfmt.ToIRC(content)
	}
	if evt.ReplyQuotedContent != "" {
		quoted := evt.ReplyQuotedContent
		if evt.SourceOrigin == event.OriginDiscord {
			quoted = discordfmt.ToIRC(quoted)
		}
		content = format.AddReplyFallback(content, quoted, evt.ReplyQuotedAuthor)
	}
	return strings.TrimSpace(content)
}

func (a *Adapter) sendMessage(ctx context.Context, evt *event.MessageOut) {
	target, sc := a.mapped(evt.ChannelID)
	if sc == nil {
		return
	}
	var puppet *Puppet
	if evt.SourceOrigin == event.OriginDiscord && sc.puppets != nil && evt.AuthorID != "" {
		p, ready := a.puppetFor(ctx, evt, target, sc)
		if !ready {
			return
		}
		puppet = p
	}
	a.deliver(evt, target, sc, puppet)
}

// puppetResolution is the outcome of a puppet lookup run off the worker.
type puppetResolution struct {
	key       string
	discordID string
	pool      *PuppetPool
	puppet    *Puppet
	err       error
}

// puppetFor returns the puppet evt is sent as when the pool already knows
// its author. Otherwise evt is parked, ready is false and the identity
// lookup runs in its own goroutine so slow lookups never hold up the worker.
// Later messages of the same author queue behind it until flushParked.
func (a *Adapter) puppetFor(ctx context.Context, evt *event.MessageOut, target *config.IRCTarget, sc *serverConn) (puppet *Puppet, ready bool) {
	key := serverKey(target) + "/" + evt.AuthorID
	if waiting, ok := a.parked[key]; ok {
		a.parked[key] = append(waiting, evt)
		return nil, false
	}
	if p, known := sc.puppets.Cached(evt.AuthorID, target.Channel); known {
		return p, true
	}
	a.parked[key] = []*event.MessageOut{evt}
	pool, t := sc.puppets, *target
	go func() {
		p, err := pool.GetOrCreate(ctx, evt.AuthorID, t.Server, t.Port, t.TLS, t.Channel)
		select {
		case a.resolved <- puppetResolution{key: key, discordID: evt.AuthorID, pool: pool, puppet: p, err: err}:
		case <-ctx.Done():
		}
	}()
	return nil, false
}

// flushParked sends the messages parked behind res in arrival order.
func (a *Adapter) flushParked(res puppetResolution) {
	parked := a.parked[res.key]
	delete(a.parked, res.key)
	if res.err != nil {
		a.log.Warn().Err(res.err).Str("discord_id", res.discordID).Msg("Failed to get IRC puppet, using bot connection")
	}
	for _, evt := range parked {
		target, sc := a.mapped(evt.ChannelID)
		if sc == nil {
			continue
		}
		var puppet *Puppet
		if res.puppet != nil && sc.puppets == res.pool {
			puppet = res.puppet
			puppet.Client.Join(target.Channel)
		}
		a.deliver(evt, target, sc, puppet)
	}
}

// truncateDisplay cuts name to maxDisplayBytes on a rune boundary.
func truncateDisplay(name string) string {
	if len(name) <= maxDisplayBytes {
		return name
	}
	end := maxDisplayBytes
	for end > 0 && !utf8.RuneStart(name[end]) {
		end--
	}
	return name[:end]
}

// deliver queues evt on the IRC side, as puppet when it is not nil.
func (a *Adapter) deliver(evt *event.MessageOut, target *config.IRCTarget, sc *serverConn, puppet *Puppet) {
	cfg := a.cfg.Load()
	content := render(evt)
	if content == "" {
		return
	}

	tags := make(map[string]string)
	if evt.ReplyToID != "" {
		if id, ok := a.ids.Translate(evt.SourceOrigin, event.OriginIRC, evt.ReplyToID); ok {
			tags["+draft/reply"] = id
		}
	}
	if evt.IsEdit {
		replaces := evt.ReplaceID
		if replaces == "" {
			replaces = evt.MessageID
		}
		if id, ok := a.ids.Translate(evt.SourceOrigin, event.OriginIRC, replaces); ok {
			tags["+draft/edit"] = id
		} else {
			content = "* " + content
		}
	}

	display := strings.TrimSpace(evt.AuthorDisplay)
	if display == "" {
		display = evt.AuthorID
	}
	if display == "" {
		display = "user"
	}
	display = truncateDisplay(display)

	sender := sc.client
	command, nickParam, prefix := "PRIVMSG", "", ""
	switch {
	case puppet != nil:
		puppet.Touch(a.now())
		sender = puppet.Client
	case sc.client.HasRelayMsg():
		command = "RELAYMSG"
		nickParam = RelayMsgNick(display, cfg.RelayMsgCleanNicks())
	case evt.IsAction:
		prefix = "* " + display + " "
	default:
		prefix = "<" + display + "> "
	}
	action := evt.IsAction && prefix == ""

	limit := ircfmt.DefaultMaxBytes - len(prefix)
	if nickParam != "" {
		limit -= len(nickParam) + 1
	}
	if action {
		limit -= len(ctcpActionStart) + 1
	}
	// The echo comes back under the nick the line is finally sent as.
	seenAs := func() string {
		if nickParam != "" {
			return nickParam
		}
		return sender.Nick()
	}
	for i, chunk := range ircfmt.Split(content, limit) {
		text := prefix + chunk
		if action {
			text = ctcpActionStart + chunk + "\x01"
		}
		params := []string{target.Channel, text}
		if nickParam != "" {
			params = []string{target.Channel, nickParam, text}
		}
		var lineTags map[string]string
		var before func()
		if i == 0 {
			if len(tags) > 0 {
				lineTags = tags
			}
			pending := pendingSend{source: evt.SourceOrigin, id: evt.MessageID}
			before = func() {
				key := echoKey(target.Server, target.Channel, seenAs())
				a.sends.Push(key, pending)
				if nickParam != "" {
					a.recentRelays.Set(key, struct{}{}, ttlcache.DefaultTTL)
				}
			}
		}
		sender.Enqueue(ircmsg.MakeMessage(lineTags, "", command, params...), before)
	}
	a.log.Debug().
		Str("channel", target.Channel).
		Str("command", command).
		Str("as", seenAs()).
		Str("source_id", evt.MessageID).
		Msg("Queued IRC message")
}

func (a *Adapter) canRedact(c *Client) bool {
	return a.cfg.Load().RedactEnabled() && c.HasCap("draft/message-redaction")
}

func (a *Adapter) sendRedact(evt *event.MessageDeleteOut) {
	target, sc := a.mapped(evt.ChannelID)
	if sc == nil {
		return
	}
	if !a.canRedact(sc.client) {
		a.log.Debug().Str("discord_id", evt.MessageID).Msg("REDACT disabled or unsupported, not deleting on IRC")
		return
	}
	ircID, ok := a.tracker.IRCOf(evt.MessageID)
	if !ok {
		a.log.Debug().Str("discord_id", evt.MessageID).Msg("No IRC msgid stored, not deleting")
		return
	}
	sc.client.Enqueue(ircmsg.MakeMessage(nil, "", "REDACT", target.Channel, ircID), nil)
}

func (a *Adapter) sendReaction(evt *event.ReactionOut) {
	target, sc := a.mapped(evt.ChannelID)
	if sc == nil {
		return
	}
	ircID, ok := a.tracker.IRCOf(evt.MessageID)
	if !ok {
		a.log.Debug().Str("discord_id", evt.MessageID).Msg("No IRC msgid for reaction target")
		return
	}
	c := sc.client
	if evt.IsRemove {
		if reactionID, ok := a.tracker.ReactionMsgIDOf(evt.MessageID, evt.Emoji, evt.AuthorID); ok && a.canRedact(c) {
			a.tracker.ForgetReaction(reactionID)
			c.Enqueue(ircmsg.MakeMessage(nil, "", "REDACT", target.Channel, reactionID), nil)
			return
		}
		c.Enqueue(ircmsg.MakeMessage(map[string]string{
			"+draft/reply":   ircID,
			"+draft/unreact": evt.Emoji,
		}, "", "TAGMSG", target.Channel), nil)
		return
	}
	pending := pendingReaction{discordID: evt.MessageID, emoji: evt.Emoji, authorID: evt.AuthorID}
	c.Enqueue(ircmsg.MakeMessage(map[string]string{
		"+draft/reply": ircID,
		"+draft/react": evt.Emoji,
	}, "", "TAGMSG", target.Channel), func() {
		a.reactions.Push(echoKey(target.Server, target.Channel, c.Nick()), pending)
	})
}

func (a *Adapter) sendTyping(evt *event.TypingOut) {
	target, sc := a.mapped(evt.ChannelID)
	if sc == nil || !sc.client.HasCap("message-tags") {
		return
	}
	key := serverKey(target) + target.Channel
	now := a.now()
	a.mu.Lock()
	last, seen := a.typingLast[key]
	if seen && now.Sub(last) < typingInterval {
		a.mu.Unlock()
		return
	}
	a.typingLast[key] = now
	a.mu.Unlock()
	sc.client.EnqueueTyping(ircmsg.MakeMessage(map[string]string{"+typing": "active"}, "", "TAGMSG", target.Channel))
}
