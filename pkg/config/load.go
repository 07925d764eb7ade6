// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

// Env is the environment overlay.
type Env struct {
	PortalBaseURL       string `env:"PORTAL_BASE_URL"`
	PortalURL           string `env:"PORTAL_URL"`
	BridgePortalBaseURL string `env:"BRIDGE_PORTAL_BASE_URL"`
	BridgePortalURL     string `env:"BRIDGE_PORTAL_URL"`

	PortalToken          string `env:"PORTAL_TOKEN"`
	PortalAPIToken       string `env:"PORTAL_API_TOKEN"`
	BridgePortalToken    string `env:"BRIDGE_PORTAL_TOKEN"`
	BridgePortalAPIToken string `env:"BRIDGE_PORTAL_API_TOKEN"`

	DevIRCNickMap string `env:"BRIDGE_DEV_IRC_NICK_MAP"`
	DevIRCPuppets string `env:"BRIDGE_DEV_IRC_PUPPETS"`

	DiscordToken string `env:"BRIDGE_DISCORD_TOKEN"`

	XMPPComponentJID    string `env:"BRIDGE_XMPP_COMPONENT_JID"`
	XMPPComponentSecret string `env:"BRIDGE_XMPP_COMPONENT_SECRET"`
	XMPPComponentServer string `env:"BRIDGE_XMPP_COMPONENT_SERVER"`
	XMPPComponentPort   int    `env:"BRIDGE_XMPP_COMPONENT_PORT" envDefault:"5347"`

	// Booleans are kept as strings so "yes"/"no" are accepted.
	IRCRedactEnabled   string `env:"BRIDGE_IRC_REDACT_ENABLED"`
	RelayMsgCleanNicks string `env:"BRIDGE_RELAYMSG_CLEAN_NICKS"`
	IRCTLSVerify       string `env:"BRIDGE_IRC_TLS_VERIFY"`
	Environment        string `env:"ATL_ENVIRONMENT"`

	LogLevel string `env:"LOG_LEVEL"`
	APIAddr  string `env:"BRIDGE_API_ADDR"`
}

// PortalBase returns the first configured Portal base URL.
func (e *Env) PortalBase() string {
	return firstNonEmpty(e.PortalBaseURL, e.PortalURL, e.BridgePortalBaseURL, e.BridgePortalURL)
}

// PortalAuthToken returns the first configured Portal API token.
func (e *Env) PortalAuthToken() string {
	return firstNonEmpty(e.PortalToken, e.PortalAPIToken, e.BridgePortalToken, e.BridgePortalAPIToken)
}

// DevPuppetsEnabled reports whether dev IRC puppets are requested.
func (e *Env) DevPuppetsEnabled() bool {
	v, ok := parseBool(e.DevIRCPuppets)
	return (ok && v) || e.DevIRCNickMap != ""
}

// XMPPComponentConfigured reports whether the XMPP component can start.
func (e *Env) XMPPComponentConfigured() bool {
	return e.XMPPComponentJID != "" && e.XMPPComponentSecret != "" && e.XMPPComponentServer != ""
}

// ParseEnv reads the overlay from the process environment. When environ is
// non-nil it is used instead.
func ParseEnv(environ map[string]string) (Env, error) {
	var e Env
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return e, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// Load reads path, merges it over the example config and applies the
// environment overlay.
func Load(path string, log zerolog.Logger) (*Config, error) {
	data, _, err := up.Do(path, false, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	e, err := ParseEnv(nil)
	if err != nil {
		return nil, err
	}
	return Parse(data, e, log)
}

// Parse decodes YAML data into a post-processed config.
func Parse(data []byte, e Env, log zerolog.Logger) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Env = e
	if err := cfg.PostProcess(log); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseBool(val string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
