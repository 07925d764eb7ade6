// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration: a YAML file merged over the
// embedded example config, plus an environment overlay.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// IRCTarget is the IRC leg of a mapping.
type IRCTarget struct {
	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	Channel string `yaml:"channel"`
}

func (t *IRCTarget) UnmarshalYAML(node *yaml.Node) error {
	type rawTarget IRCTarget
	t.Port = 6667
	return node.Decode((*rawTarget)(t))
}

// Addr returns host:port.
func (t *IRCTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Server, t.Port)
}

// XMPPTarget is the XMPP leg of a mapping.
type XMPPTarget struct {
	MUCJID string `yaml:"muc_jid"`
}

// Mapping bridges one Discord channel with an IRC channel and/or a MUC.
type Mapping struct {
	DiscordChannelID string      `yaml:"discord_channel_id"`
	IRC              *IRCTarget  `yaml:"irc"`
	XMPP             *XMPPTarget `yaml:"xmpp"`
}

// Config is one immutable configuration generation.
type Config struct {
	Mappings []Mapping `yaml:"mappings"`

	AnnounceJoinsAndQuits bool `yaml:"announce_joins_and_quits"`
	AnnounceExtras        bool `yaml:"announce_extras"`

	IdentityCacheTTLSeconds int `yaml:"identity_cache_ttl_seconds"`
	AvatarCacheTTLSeconds   int `yaml:"avatar_cache_ttl_seconds"`

	IRCNick                   string   `yaml:"irc_nick"`
	IRCPuppetIdleTimeoutHours int      `yaml:"irc_puppet_idle_timeout_hours"`
	IRCPuppetPostfix          string   `yaml:"irc_puppet_postfix"`
	IRCPuppetPingInterval     int      `yaml:"irc_puppet_ping_interval"`
	IRCPuppetPrejoinCommands  []string `yaml:"irc_puppet_prejoin_commands"`
	IRCThrottleLimit          int      `yaml:"irc_throttle_limit"`
	IRCMessageQueue           int      `yaml:"irc_message_queue"`
	IRCRejoinDelay            float64  `yaml:"irc_rejoin_delay"`
	IRCAutoRejoin             bool     `yaml:"irc_auto_rejoin"`
	IRCMaxReconnectAttempts   int      `yaml:"irc_max_reconnect_attempts"`
	IRCUseSASL                bool     `yaml:"irc_use_sasl"`
	IRCSASLUser               string   `yaml:"irc_sasl_user"`
	IRCSASLPassword           string   `yaml:"irc_sasl_password"`
	IRCRedactEnabled          bool     `yaml:"irc_redact_enabled"`
	IRCRelayMsgCleanNicks     bool     `yaml:"irc_relaymsg_clean_nicks"`
	IRCTLSVerify              bool     `yaml:"irc_tls_verify"`

	XMPPUploadService string `yaml:"xmpp_upload_service"`

	ContentFilterRegex []string `yaml:"content_filter_regex"`

	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	Env Env `yaml:"-"`

	contentFilters []*regexp.Regexp `yaml:"-"`
}

// Default returns a config with every documented default applied and no
// mappings.
func Default() Config {
	return Config{
		AnnounceJoinsAndQuits:     true,
		IdentityCacheTTLSeconds:   3600,
		AvatarCacheTTLSeconds:     86400,
		IRCNick:                   "atl-bridge",
		IRCPuppetIdleTimeoutHours: 24,
		IRCPuppetPingInterval:     120,
		IRCThrottleLimit:          10,
		IRCMessageQueue:           30,
		IRCRejoinDelay:            5,
		IRCAutoRejoin:             true,
		IRCMaxReconnectAttempts:   10,
		IRCTLSVerify:              true,
		AdminAPIAddr:              ":29320",
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	*c = Default()
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the mappings and compiles the content filters.
// Invalid filter patterns are skipped and reported through log.
func (c *Config) PostProcess(log zerolog.Logger) error {
	for i, m := range c.Mappings {
		if m.DiscordChannelID == "" {
			return fmt.Errorf("mappings[%d]: missing discord_channel_id: %w", i, ErrInvalid)
		}
		if m.IRC != nil && (m.IRC.Server == "" || m.IRC.Channel == "") {
			return fmt.Errorf("mappings[%d].irc: server and channel are required: %w", i, ErrInvalid)
		}
		if m.XMPP != nil && m.XMPP.MUCJID == "" {
			return fmt.Errorf("mappings[%d].xmpp: missing muc_jid: %w", i, ErrInvalid)
		}
	}
	if c.IRCThrottleLimit <= 0 {
		c.IRCThrottleLimit = 10
	}
	if c.IRCMessageQueue <= 0 {
		c.IRCMessageQueue = 30
	}
	if c.IdentityCacheTTLSeconds <= 0 {
		c.IdentityCacheTTLSeconds = 3600
	}
	if c.AvatarCacheTTLSeconds <= 0 {
		c.AvatarCacheTTLSeconds = 86400
	}
	c.contentFilters = c.contentFilters[:0]
	for _, pat := range c.ContentFilterRegex {
		re, err := regexp.Compile(pat)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pat).Msg("Skipping invalid content filter")
			continue
		}
		c.contentFilters = append(c.contentFilters, re)
	}
	return nil
}

// ContentFilters returns the compiled content_filter_regex patterns.
func (c *Config) ContentFilters() []*regexp.Regexp {
	return c.contentFilters
}

// IdentityCacheTTL returns identity_cache_ttl_seconds as a duration.
func (c *Config) IdentityCacheTTL() time.Duration {
	return time.Duration(c.IdentityCacheTTLSeconds) * time.Second
}

// WebhookCacheTTL returns avatar_cache_ttl_seconds as a duration.
func (c *Config) WebhookCacheTTL() time.Duration {
	return time.Duration(c.AvatarCacheTTLSeconds) * time.Second
}

// PuppetIdleTimeout returns irc_puppet_idle_timeout_hours as a duration.
func (c *Config) PuppetIdleTimeout() time.Duration {
	return time.Duration(c.IRCPuppetIdleTimeoutHours) * time.Hour
}

// PuppetPingInterval returns irc_puppet_ping_interval as a duration.
func (c *Config) PuppetPingInterval() time.Duration {
	return time.Duration(c.IRCPuppetPingInterval) * time.Second
}

// RejoinDelay returns irc_rejoin_delay as a duration.
func (c *Config) RejoinDelay() time.Duration {
	return time.Duration(c.IRCRejoinDelay * float64(time.Second))
}

// RedactEnabled reports whether REDACT is sent to IRC. The environment wins
// over the file.
func (c *Config) RedactEnabled() bool {
	if v, ok := parseBool(c.Env.IRCRedactEnabled); ok {
		return v
	}
	return c.IRCRedactEnabled
}

// RelayMsgCleanNicks reports whether RELAYMSG nicks skip the /d suffix.
func (c *Config) RelayMsgCleanNicks() bool {
	if v, ok := parseBool(c.Env.RelayMsgCleanNicks); ok && v {
		return true
	}
	return c.IRCRelayMsgCleanNicks
}

// TLSVerify reports whether IRC TLS certificates are verified. Dev
// environments default to no verification.
func (c *Config) TLSVerify() bool {
	if v, ok := parseBool(c.Env.IRCTLSVerify); ok {
		return v
	}
	if c.Env.Environment == "dev" {
		return false
	}
	return c.IRCTLSVerify
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.List, "mappings")
	helper.Copy(up.Bool, "announce_joins_and_quits")
	helper.Copy(up.Bool, "announce_extras")
	helper.Copy(up.Int, "identity_cache_ttl_seconds")
	helper.Copy(up.Int, "avatar_cache_ttl_seconds")
	helper.Copy(up.Str, "irc_nick")
	helper.Copy(up.Int, "irc_puppet_idle_timeout_hours")
	helper.Copy(up.Str, "irc_puppet_postfix")
	helper.Copy(up.Int, "irc_puppet_ping_interval")
	helper.Copy(up.List, "irc_puppet_prejoin_commands")
	helper.Copy(up.Int, "irc_throttle_limit")
	helper.Copy(up.Int, "irc_message_queue")
	helper.Copy(up.Float|up.Int, "irc_rejoin_delay")
	helper.Copy(up.Bool, "irc_auto_rejoin")
	helper.Copy(up.Int, "irc_max_reconnect_attempts")
	helper.Copy(up.Bool, "irc_use_sasl")
	helper.Copy(up.Str, "irc_sasl_user")
	helper.Copy(up.Str, "irc_sasl_password")
	helper.Copy(up.Bool, "irc_redact_enabled")
	helper.Copy(up.Bool, "irc_relaymsg_clean_nicks")
	helper.Copy(up.Bool, "irc_tls_verify")
	helper.Copy(up.Str, "xmpp_upload_service")
	helper.Copy(up.List, "content_filter_regex")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config over ExampleConfig.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         nil,
	Base:           ExampleConfig,
}
