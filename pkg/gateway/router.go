// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"strings"
	"sync/atomic"

	"mellium.im/xmpp/jid"

	"github.com/aiku/atl-bridge/pkg/config"
)

// ChannelRouter resolves channel mappings. The table is replaced wholesale by
// Load; readers never observe a partially loaded table.
type ChannelRouter struct {
	mappings atomic.Pointer[[]config.Mapping]
}

func NewChannelRouter(mappings []config.Mapping) *ChannelRouter {
	r := &ChannelRouter{}
	r.Load(mappings)
	return r
}

// Load installs a copy of mappings as the current table.
func (r *ChannelRouter) Load(mappings []config.Mapping) {
	table := make([]config.Mapping, len(mappings))
	copy(table, mappings)
	r.mappings.Store(&table)
}

func (r *ChannelRouter) LoadFromConfig(cfg *config.Config) {
	r.Load(cfg.Mappings)
}

// All returns the current table. Callers must not modify it.
func (r *ChannelRouter) All() []config.Mapping {
	if p := r.mappings.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *ChannelRouter) find(match func(*config.Mapping) bool) *config.Mapping {
	table := r.All()
	for i := range table {
		if match(&table[i]) {
			return &table[i]
		}
	}
	return nil
}

// ByDiscord returns the first mapping for a Discord channel id, or nil.
func (r *ChannelRouter) ByDiscord(channelID string) *config.Mapping {
	return r.find(func(m *config.Mapping) bool {
		return m.DiscordChannelID == channelID
	})
}

// ByIRC returns the first mapping for an IRC server and channel. Channel
// names compare case-insensitively.
func (r *ChannelRouter) ByIRC(server, channel string) *config.Mapping {
	return r.find(func(m *config.Mapping) bool {
		return m.IRC != nil && strings.EqualFold(m.IRC.Server, server) && strings.EqualFold(m.IRC.Channel, channel)
	})
}

// ByXMPP returns the first mapping for a MUC. Any resource part of mucJID is
// ignored.
func (r *ChannelRouter) ByXMPP(mucJID string) *config.Mapping {
	want := BareJID(mucJID)
	return r.find(func(m *config.Mapping) bool {
		return m.XMPP != nil && strings.EqualFold(BareJID(m.XMPP.MUCJID), want)
	})
}

// BareJID returns the normalised bare form of addr. Unparseable addresses
// are returned with any resource stripped.
func BareJID(addr string) string {
	if j, err := jid.Parse(addr); err == nil {
		return j.Bare().String()
	}
	bare, _, _ := strings.Cut(addr, "/")
	return strings.ToLower(bare)
}
