// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

const (
	WebhookName        = "ATL Bridge"
	webhooksPerChannel = 10

	maxContentLength  = 2000
	minUsernameLength = 2
	maxUsernameLength = 32
	maxReplyLabel     = 77
)

// ErrNoWebhook is returned when a channel has no usable webhook and no room
// to create one.
var ErrNoWebhook = errors.New("no webhook available for channel")

var internalAvatarHosts = []string{"atl-xmpp-server", "localhost", "127.0.0.1"}

var allowedMentions = &discordgo.MessageAllowedMentions{
	Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
}

// webhookPool hands out one webhook per channel.
type webhookPool struct {
	log   zerolog.Logger
	sess  func() session
	appID func() string

	mu    sync.Mutex
	cache *ttlcache.Cache[string, *discordgo.Webhook]
}

func newWebhookPool(log zerolog.Logger, sess func() session, appID func() string, ttl time.Duration) *webhookPool {
	return &webhookPool{
		log:   log,
		sess:  sess,
		appID: appID,
		cache: ttlcache.New[string, *discordgo.Webhook](
			ttlcache.WithTTL[string, *discordgo.Webhook](ttl),
			ttlcache.WithCapacity[string, *discordgo.Webhook](100),
		),
	}
}

// get returns the webhook of channelID: ours by name, else one owned by our
// application when the channel is full, else a new one.
func (p *webhookPool) get(channelID string) (*discordgo.Webhook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item := p.cache.Get(channelID); item != nil {
		return item.Value(), nil
	}
	s := p.sess()
	if s == nil {
		return nil, ErrNotConnected
	}
	hooks, err := s.ChannelWebhooks(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	var hook *discordgo.Webhook
	for _, wh := range hooks {
		if wh.Name == WebhookName && wh.Token != "" {
			hook = wh
			break
		}
	}
	if hook == nil && len(hooks) >= webhooksPerChannel {
		if appID := p.appID(); appID != "" {
			for _, wh := range hooks {
				if wh.ApplicationID == appID && wh.Token != "" {
					hook = wh
					p.log.Info().Str("channel_id", channelID).Msg("Webhook limit reached, reusing app-owned webhook")
					break
				}
			}
		}
	}
	if hook == nil && len(hooks) < webhooksPerChannel {
		hook, err = s.WebhookCreate(channelID, WebhookName, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook: %w", err)
		}
		p.log.Info().Str("channel_id", channelID).Str("webhook_id", hook.ID).Msg("Created webhook")
	}
	if hook == nil {
		return nil, ErrNoWebhook
	}
	p.cache.Set(channelID, hook, ttlcache.DefaultTTL)
	return hook, nil
}

func (p *webhookPool) invalidate(channelID string) {
	p.cache.Delete(channelID)
}

// webhookUsername pads or truncates name to Discord's 2..32 limit.
func webhookUsername(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) > maxUsernameLength {
		runes = runes[:maxUsernameLength]
	}
	for len(runes) < minUsernameLength {
		runes = append(runes, '_')
	}
	return string(runes)
}

// publicAvatar drops avatar URLs Discord cannot fetch.
func publicAvatar(url string) string {
	lower := strings.ToLower(url)
	for _, host := range internalAvatarHosts {
		if strings.Contains(lower, host) {
			return ""
		}
	}
	return url
}

func truncateContent(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentLength {
		return content
	}
	return string(runes[:maxContentLength])
}

func jumpURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// replyButton links to the message a reply points at.
func replyButton(author, content, url string) discordgo.MessageComponent {
	content = strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	label := author
	if content != "" {
		label = author + " · " + content
	}
	if runes := []rune(label); len(runes) > maxReplyLabel {
		label = string(runes[:maxReplyLabel-3]) + "..."
	}
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "↪️ " + label, Style: discordgo.LinkButton, URL: url},
	}}
}
