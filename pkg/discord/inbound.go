// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/atl-bridge/pkg/config"
	"github.com/aiku/atl-bridge/pkg/event"
)

const (
	// MaxAttachmentSize is the largest attachment handed to the XMPP leg.
	MaxAttachmentSize = 10 * 1024 * 1024

	commandPrefix      = "!bridge"
	attachmentTimeout  = 5 * time.Minute
	identityCmdTimeout = 10 * time.Second
)

func (a *Adapter) onReady(r *discordgo.Ready) {
	a.mu.Lock()
	if r.User != nil {
		a.botID = r.User.ID
	}
	if r.Application != nil {
		a.appID = r.Application.ID
	}
	a.mu.Unlock()
	evt := a.log.Info().Int("guilds", len(r.Guilds))
	if r.User != nil {
		evt = evt.Str("user", r.User.Username)
	}
	evt.Msg("Discord bot ready")
}

func (a *Adapter) isSelf(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID != "" && a.botID == userID
}

// messageAuthor is the name shown for the author of m.
func messageAuthor(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return "Unknown"
	}
	return userDisplay(m.Author)
}

func userDisplay(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// bridged reports whether m comes from a human in a mapped channel.
func (a *Adapter) bridged(m *discordgo.Message) (*config.Mapping, bool) {
	if m == nil || m.WebhookID != "" || m.Author == nil || m.Author.Bot {
		return nil, false
	}
	mapping := a.router.ByDiscord(m.ChannelID)
	return mapping, mapping != nil
}

func (a *Adapter) onMessageCreate(mc *discordgo.MessageCreate) {
	m := mc.Message
	mapping, ok := a.bridged(m)
	if !ok {
		return
	}
	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, commandPrefix) {
		a.bridgeStatus(m)
		return
	}
	if len(m.Attachments) > 0 {
		a.handleAttachments(m, mapping)
	}
	if content == "" {
		return
	}

	evt := &event.MessageIn{
		Origin:        event.OriginDiscord,
		ChannelID:     m.ChannelID,
		AuthorID:      m.Author.ID,
		AuthorDisplay: messageAuthor(m),
		Content:       m.Content,
		MessageID:     m.ID,
		AvatarURL:     m.Author.AvatarURL(""),
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		evt.ReplyToID = m.MessageReference.MessageID
		ref := m.ReferencedMessage
		if ref == nil {
			if s := a.session(); s != nil {
				fetched, err := s.ChannelMessage(m.ChannelID, evt.ReplyToID)
				if err != nil {
					a.log.Debug().Err(err).Str("discord_id", evt.ReplyToID).Msg("Could not fetch replied message")
				}
				ref = fetched
			}
		}
		if ref != nil {
			evt.ReplyQuotedContent = ref.Content
			evt.ReplyQuotedAuthor = messageAuthor(ref)
		}
	}
	a.log.Info().Str("channel_id", m.ChannelID).Str("author", evt.AuthorDisplay).Msg("Discord message bridged")
	a.bus.Publish(Name, evt)
}

func (a *Adapter) onMessageUpdate(mu *discordgo.MessageUpdate) {
	m := mu.Message
	if m == nil {
		return
	}
	if m.Author == nil || strings.TrimSpace(m.Content) == "" {
		// Partial update; fetch the message for its author and content.
		s := a.session()
		if s == nil {
			return
		}
		fetched, err := s.ChannelMessage(m.ChannelID, m.ID)
		if err != nil {
			a.log.Debug().Err(err).Str("discord_id", m.ID).Msg("Could not fetch edited message")
			return
		}
		m = fetched
	}
	if _, ok := a.bridged(m); !ok || strings.TrimSpace(m.Content) == "" {
		return
	}
	evt := &event.MessageIn{
		Origin:        event.OriginDiscord,
		ChannelID:     m.ChannelID,
		AuthorID:      m.Author.ID,
		AuthorDisplay: messageAuthor(m),
		Content:       m.Content,
		MessageID:     m.ID,
		ReplaceID:     m.ID,
		IsEdit:        true,
		AvatarURL:     m.Author.AvatarURL(""),
	}
	if m.MessageReference != nil {
		evt.ReplyToID = m.MessageReference.MessageID
	}
	a.log.Debug().Str("channel_id", m.ChannelID).Str("discord_id", m.ID).Msg("Discord edit bridged")
	a.bus.Publish(Name, evt)
}

func (a *Adapter) publishDelete(channelID, messageID string, before *discordgo.Message) {
	evt := &event.MessageDelete{
		Origin:    event.OriginDiscord,
		ChannelID: channelID,
		MessageID: messageID,
	}
	if before != nil && before.Author != nil {
		evt.AuthorID = before.Author.ID
		evt.AuthorDisplay = userDisplay(before.Author)
	}
	a.bus.Publish(Name, evt)
}

func (a *Adapter) onMessageDelete(md *discordgo.MessageDelete) {
	if md.Message == nil || a.router.ByDiscord(md.ChannelID) == nil {
		return
	}
	a.log.Info().Str("channel_id", md.ChannelID).Str("discord_id", md.ID).Msg("Discord message delete bridged")
	a.publishDelete(md.ChannelID, md.ID, md.BeforeDelete)
}

func (a *Adapter) onMessageDeleteBulk(md *discordgo.MessageDeleteBulk) {
	if a.router.ByDiscord(md.ChannelID) == nil {
		return
	}
	a.log.Info().Str("channel_id", md.ChannelID).Int("count", len(md.Messages)).Msg("Discord bulk delete bridged")
	for _, id := range md.Messages {
		a.publishDelete(md.ChannelID, id, nil)
	}
}

// onReaction bridges unicode reactions. Custom emoji cannot be rendered on
// the other legs.
func (a *Adapter) onReaction(r *discordgo.MessageReaction, member *discordgo.Member, remove bool) {
	if r == nil || r.Emoji.ID != "" || r.Emoji.Name == "" {
		return
	}
	if a.isSelf(r.UserID) || a.router.ByDiscord(r.ChannelID) == nil {
		return
	}
	display := r.UserID
	switch {
	case member != nil && member.Nick != "":
		display = member.Nick
	case member != nil && member.User != nil:
		display = userDisplay(member.User)
	default:
		if s := a.session(); s != nil {
			if u, err := s.User(r.UserID); err == nil {
				display = userDisplay(u)
			}
		}
	}
	a.log.Info().
		Str("channel_id", r.ChannelID).
		Str("author", display).
		Str("emoji", r.Emoji.Name).
		Bool("remove", remove).
		Msg("Discord reaction bridged")
	a.bus.Publish(Name, &event.ReactionIn{
		Origin:        event.OriginDiscord,
		ChannelID:     r.ChannelID,
		MessageID:     r.MessageID,
		Emoji:         r.Emoji.Name,
		AuthorID:      r.UserID,
		AuthorDisplay: display,
		IsRemove:      remove,
	})
}

func (a *Adapter) onTyping(t *discordgo.TypingStart) {
	if a.isSelf(t.UserID) || a.router.ByDiscord(t.ChannelID) == nil {
		return
	}
	if a.throttled(a.typingIn, t.ChannelID) {
		return
	}
	a.bus.Publish(Name, &event.TypingIn{
		Origin:    event.OriginDiscord,
		ChannelID: t.ChannelID,
		UserID:    t.UserID,
	})
}

// handleAttachments uploads attachments to the MUC and announces them as
// link messages for the other legs.
func (a *Adapter) handleAttachments(m *discordgo.Message, mapping *config.Mapping) {
	display := messageAuthor(m)
	if mapping.XMPP != nil && a.files != nil {
		go a.forwardFiles(m, mapping.XMPP.MUCJID, display)
	}
	if mapping.IRC == nil {
		return
	}
	for _, att := range m.Attachments {
		a.bus.Publish(Name, &event.MessageIn{
			Origin:        event.OriginDiscord,
			ChannelID:     m.ChannelID,
			AuthorID:      m.Author.ID,
			AuthorDisplay: display,
			Content:       fmt.Sprintf("📎 %s (%d bytes): %s", att.Filename, att.Size, att.URL),
			MessageID:     m.ID + "_attachment_" + att.ID,
		})
	}
}

func (a *Adapter) forwardFiles(m *discordgo.Message, mucJID, display string) {
	for _, att := range m.Attachments {
		if att.Size > MaxAttachmentSize {
			a.log.Debug().Str("filename", att.Filename).Int("size", att.Size).Msg("Attachment too large for XMPP")
			continue
		}
		ctx, cancel := context.WithTimeout(a.baseContext(), attachmentTimeout)
		data, err := a.download(ctx, att.URL)
		if err == nil {
			err = a.files.SendFileWithFallback(ctx, m.Author.ID, mucJID, data, att.Filename, display, att.URL)
		}
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Str("filename", att.Filename).Msg("Failed to bridge attachment to XMPP")
			continue
		}
		a.log.Info().Str("filename", att.Filename).Msg("Sent Discord attachment to XMPP")
	}
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment download returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentSize+1))
}

// bridgeStatus answers "!bridge" with the caller's linked accounts.
func (a *Adapter) bridgeStatus(m *discordgo.Message) {
	s := a.session()
	if s == nil || m.GuildID == "" {
		return
	}
	reply := "Identity resolution not configured (Portal)."
	if a.identity != nil {
		ctx, cancel := context.WithTimeout(a.baseContext(), identityCmdTimeout)
		defer cancel()
		ircNick, err := a.identity.DiscordToIRC(ctx, m.Author.ID)
		if err != nil {
			a.log.Debug().Err(err).Msg("IRC identity lookup failed")
		}
		xmppJID, err := a.identity.DiscordToXMPP(ctx, m.Author.ID)
		if err != nil {
			a.log.Debug().Err(err).Msg("XMPP identity lookup failed")
		}
		parts := []string{"IRC: not linked", "XMPP: not linked"}
		if ircNick != "" {
			parts[0] = "IRC: " + ircNick
		}
		if xmppJID != "" {
			parts[1] = "XMPP: " + xmppJID
		}
		reply = strings.Join(parts, " | ")
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference()); err != nil {
		a.log.Debug().Err(err).Msg("Failed to answer bridge command")
	}
}
