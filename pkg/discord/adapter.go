// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord is the Discord leg of the bridge. Remote users are
// rendered through one webhook per channel; the bot account itself only
// reacts, deletes and types.
package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/variationselector"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
	"github.com/aiku/atl-bridge/pkg/format"
	"github.com/aiku/atl-bridge/pkg/format/ircfmt"
	"github.com/aiku/atl-bridge/pkg/gateway"
	"github.com/aiku/atl-bridge/pkg/identity"
)

// Name is the bus source name of Discord events.
const Name = "discord"

const (
	workQueueSize  = 256
	typingInterval = 3 * time.Second
	sendDelay      = 250 * time.Millisecond
	memberCacheTTL = 10 * time.Minute
	memberLimit    = 1000
)

// ErrNotConnected is returned when the gateway session is not open.
var ErrNotConnected = errors.New("discord session not open")

// FileSender shares a Discord attachment in a MUC.
type FileSender interface {
	SendFileWithFallback(ctx context.Context, discordID, mucJID string, data []byte,
		filename, nick, linkURL string) error
}

// Adapter bridges the mapped Discord channels onto the bus.
type Adapter struct {
	log      zerolog.Logger
	bus      gateway.Publisher
	router   *gateway.ChannelRouter
	ids      *gateway.MessageIDResolver
	identity identity.Resolver
	files    FileSender
	cfg      atomic.Pointer[config.Config]
	now      func() time.Time

	work       chan event.Event
	sendDelay  time.Duration
	httpClient *http.Client

	// newSession is replaced in tests.
	newSession func(token string) (session, error)

	mu        sync.Mutex
	sess      session
	ctx       context.Context
	botID     string
	appID     string
	guilds    map[string]string
	typingOut map[string]time.Time
	typingIn  map[string]time.Time
	webhooks  *webhookPool
	members   *ttlcache.Cache[string, []format.Member]
}

var _ gateway.Target = (*Adapter)(nil)

// NewAdapter creates the adapter. resolver and files may be nil.
func NewAdapter(log zerolog.Logger, cfg *config.Config, bus gateway.Publisher, router *gateway.ChannelRouter,
	ids *gateway.MessageIDResolver, resolver identity.Resolver, files FileSender) *Adapter {
	a := &Adapter{
		log:        log.With().Str("component", "discord").Logger(),
		bus:        bus,
		router:     router,
		ids:        ids,
		identity:   resolver,
		files:      files,
		now:        time.Now,
		work:       make(chan event.Event, workQueueSize),
		sendDelay:  sendDelay,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		newSession: newSession,
		ctx:        context.Background(),
		guilds:     make(map[string]string),
		typingOut:  make(map[string]time.Time),
		typingIn:   make(map[string]time.Time),
		members: ttlcache.New[string, []format.Member](
			ttlcache.WithTTL[string, []format.Member](memberCacheTTL),
		),
	}
	ttl := cfg.WebhookCacheTTL()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	a.webhooks = newWebhookPool(a.log, a.session, a.applicationID, ttl)
	a.cfg.Store(cfg)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) UpdateConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
}

// Connected reports whether the gateway session is open.
func (a *Adapter) Connected() bool {
	return a.session() != nil
}

func (a *Adapter) session() session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Adapter) applicationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appID
}

func (a *Adapter) baseContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

func (a *Adapter) AcceptEvent(_ string, evt event.Event) bool {
	return event.TargetsOrigin(evt, event.OriginDiscord)
}

// PushEvent queues evt for the worker. A full queue drops the event.
func (a *Adapter) PushEvent(_ string, evt event.Event) {
	select {
	case a.work <- evt:
	default:
		a.log.Warn().Str("event", string(evt.Kind())).Msg("Discord work queue full, dropping event")
	}
}

// Run opens the gateway session and processes outbound events until ctx is
// done. Without a token the adapter stays idle.
func (a *Adapter) Run(ctx context.Context) error {
	token := a.cfg.Load().Env.DiscordToken
	if token == "" {
		a.log.Warn().Msg("BRIDGE_DISCORD_TOKEN not set, Discord adapter disabled")
		<-ctx.Done()
		return nil
	}
	s, err := a.newSession(token)
	if err != nil {
		return err
	}
	a.addHandlers(s)
	if err := s.Open(); err != nil {
		return err
	}
	a.mu.Lock()
	a.sess = s
	a.ctx = ctx
	a.mu.Unlock()

	go a.webhooks.cache.Start()
	defer a.webhooks.cache.Stop()
	go a.members.Start()
	defer a.members.Stop()

	defer func() {
		a.mu.Lock()
		a.sess = nil
		a.mu.Unlock()
		if err := s.Close(); err != nil {
			a.log.Debug().Err(err).Msg("Error closing Discord session")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-a.work:
			a.handle(ctx, evt)
		}
	}
}

func (a *Adapter) addHandlers(s session) {
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { a.onReady(r) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { a.onMessageCreate(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) { a.onMessageUpdate(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) { a.onMessageDelete(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) { a.onMessageDeleteBulk(m) })
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) { a.onReaction(r.MessageReaction, r.Member, false) })
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) { a.onReaction(r.MessageReaction, nil, true) })
	s.AddHandler(func(_ *discordgo.Session, t *discordgo.TypingStart) { a.onTyping(t) })
}

func (a *Adapter) handle(ctx context.Context, evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageOut:
		a.sendMessage(ctx, e)
		if a.sendDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(a.sendDelay):
			}
		}
	case *event.MessageDeleteOut:
		a.deleteMessage(e)
	case *event.ReactionOut:
		a.react(e)
	case *event.TypingOut:
		a.typing(e)
	}
}

// guildOf returns the guild of channelID.
func (a *Adapter) guildOf(s session, channelID string) string {
	a.mu.Lock()
	guildID, ok := a.guilds[channelID]
	a.mu.Unlock()
	if ok {
		return guildID
	}
	ch, err := s.Channel(channelID)
	if err != nil {
		a.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to look up channel")
		return ""
	}
	a.mu.Lock()
	a.guilds[channelID] = ch.GuildID
	a.mu.Unlock()
	return ch.GuildID
}

// guildMembers returns the member list used to resolve @nick mentions.
func (a *Adapter) guildMembers(s session, guildID string) []format.Member {
	if guildID == "" {
		return nil
	}
	if item := a.members.Get(guildID); item != nil {
		return item.Value()
	}
	list, err := s.GuildMembers(guildID, "", memberLimit)
	if err != nil {
		a.log.Debug().Err(err).Str("guild_id", guildID).Msg("Failed to list guild members")
		return nil
	}
	members := make([]format.Member, 0, len(list))
	for _, m := range list {
		if m.User == nil || m.User.Bot {
			continue
		}
		members = append(members, format.Member{
			ID:          m.User.ID,
			Nick:        m.Nick,
			DisplayName: m.User.GlobalName,
			Username:    m.User.Username,
		})
	}
	a.members.Set(guildID, members, ttlcache.DefaultTTL)
	return members
}

// render converts content from the source protocol to Discord markdown.
func (a *Adapter) render(s session, evt *event.MessageOut) string {
	content := evt.Content
	if evt.SourceOrigin == event.OriginIRC {
		content = ircfmt.ToDiscord(content)
	}
	if evt.IsAction {
		content = "_" + content + "_"
	}
	content = format.ResolveMentions(content, a.guildMembers(s, a.guildOf(s, evt.ChannelID)))
	return truncateContent(content)
}

func (a *Adapter) sendMessage(ctx context.Context, evt *event.MessageOut) {
	s := a.session()
	if s == nil {
		a.log.Warn().Str("channel_id", evt.ChannelID).Msg("Discord send skipped, session not open")
		return
	}
	m := a.router.ByDiscord(evt.ChannelID)
	if m == nil {
		return
	}
	content := a.render(s, evt)
	if content == "" {
		return
	}

	if evt.IsEdit {
		replaced := evt.ReplaceID
		if replaced == "" {
			replaced = evt.MessageID
		}
		if target, ok := a.ids.DiscordID(evt.SourceOrigin, replaced); ok {
			err := a.editMessage(evt.ChannelID, target, content)
			if err == nil {
				a.log.Debug().Str("discord_id", target).Str("replace_id", replaced).Msg("Edited Discord message")
				return
			}
			a.log.Debug().Err(err).Str("discord_id", target).Msg("Could not edit Discord message, sending as new")
		}
	}

	params := &discordgo.WebhookParams{
		Content:         content,
		Username:        webhookUsername(evt.AuthorDisplay),
		AvatarURL:       publicAvatar(evt.AvatarURL),
		AllowedMentions: allowedMentions,
	}
	if evt.ReplyToID != "" {
		if target, ok := a.ids.DiscordID(evt.SourceOrigin, evt.ReplyToID); ok {
			params.Components = []discordgo.MessageComponent{a.replyContext(s, evt.ChannelID, target)}
		}
	}

	msg, err := a.execute(evt.ChannelID, params)
	if err != nil {
		a.log.Warn().Err(err).Str("channel_id", evt.ChannelID).Msg("Failed to send Discord webhook message")
		return
	}
	a.log.Debug().
		Str("channel_id", evt.ChannelID).
		Str("discord_id", msg.ID).
		Str("source", string(evt.SourceOrigin)).
		Str("source_id", evt.MessageID).
		Msg("Sent Discord webhook message")

	switch evt.SourceOrigin {
	case event.OriginXMPP:
		if m.XMPP != nil {
			a.ids.StoreXMPP(evt.MessageID, msg.ID, m.XMPP.MUCJID, evt.XMPPIDAliases...)
		}
	case event.OriginIRC:
		a.ids.StoreIRC(evt.MessageID, msg.ID)
		a.ids.AddDiscordIDAlias(msg.ID, evt.MessageID)
	}
}

// replyContext builds the link button of a reply to targetID.
func (a *Adapter) replyContext(s session, channelID, targetID string) discordgo.MessageComponent {
	author, content := "Unknown", ""
	if ref, err := s.ChannelMessage(channelID, targetID); err == nil {
		author = messageAuthor(ref)
		content = ref.Content
	} else {
		a.log.Debug().Err(err).Str("discord_id", targetID).Msg("Could not fetch reply context")
	}
	return replyButton(author, content, jumpURL(a.guildOf(s, channelID), channelID, targetID))
}

// execute sends through the channel webhook, recreating it once when
// Discord no longer knows it.
func (a *Adapter) execute(channelID string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	for attempt := 0; ; attempt++ {
		hook, err := a.webhooks.get(channelID)
		if err != nil {
			return nil, err
		}
		s := a.session()
		if s == nil {
			return nil, ErrNotConnected
		}
		msg, err := s.WebhookExecute(hook.ID, hook.Token, true, params)
		if err != nil && attempt == 0 && isRESTCode(err, discordgo.ErrCodeUnknownWebhook) {
			a.webhooks.invalidate(channelID)
			continue
		}
		return msg, err
	}
}

func (a *Adapter) editMessage(channelID, messageID, content string) error {
	hook, err := a.webhooks.get(channelID)
	if err != nil {
		return err
	}
	s := a.session()
	if s == nil {
		return ErrNotConnected
	}
	_, err = s.WebhookMessageEdit(hook.ID, hook.Token, messageID, &discordgo.WebhookEdit{
		Content:         &content,
		AllowedMentions: allowedMentions,
	})
	return err
}

func (a *Adapter) deleteMessage(evt *event.MessageDeleteOut) {
	s := a.session()
	if s == nil {
		return
	}
	if err := s.ChannelMessageDelete(evt.ChannelID, evt.MessageID); err != nil {
		a.log.Debug().Err(err).Str("discord_id", evt.MessageID).Msg("Could not delete Discord message")
		return
	}
	a.log.Info().Str("discord_id", evt.MessageID).Str("source", string(evt.SourceOrigin)).Msg("Deleted Discord message")
}

func (a *Adapter) react(evt *event.ReactionOut) {
	s := a.session()
	if s == nil {
		return
	}
	emoji := variationselector.FullyQualify(evt.Emoji)
	var err error
	if evt.IsRemove {
		err = s.MessageReactionRemove(evt.ChannelID, evt.MessageID, emoji, "@me")
	} else {
		err = s.MessageReactionAdd(evt.ChannelID, evt.MessageID, emoji)
	}
	if err != nil {
		a.log.Debug().Err(err).
			Str("discord_id", evt.MessageID).
			Str("emoji", evt.Emoji).
			Bool("remove", evt.IsRemove).
			Msg("Could not update Discord reaction")
	}
}

// throttled reports whether channelID fired within typingInterval, and
// records the attempt otherwise.
func (a *Adapter) throttled(last map[string]time.Time, channelID string) bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := last[channelID]; ok && now.Sub(t) < typingInterval {
		return true
	}
	last[channelID] = now
	return false
}

func (a *Adapter) typing(evt *event.TypingOut) {
	s := a.session()
	if s == nil || a.throttled(a.typingOut, evt.ChannelID) {
		return
	}
	if err := s.ChannelTyping(evt.ChannelID); err != nil {
		a.log.Debug().Err(err).Str("channel_id", evt.ChannelID).Msg("Could not send Discord typing")
	}
}
