// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/retry"
)

const (
	portalTimeout     = 10 * time.Second
	portalAttempts    = 5
	portalMaxBodySize = 1 << 20
)

var portalBackoff = retry.Backoff{Min: 2 * time.Second, Max: 30 * time.Second}

// PortalClient queries the Portal identity endpoint.
type PortalClient struct {
	log     zerolog.Logger
	baseURL string
	token   string
	http    *http.Client

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Lookup = (*PortalClient)(nil)

// NewPortalClient returns a client for baseURL. The token is sent as a
// bearer token when non-empty.
func NewPortalClient(log zerolog.Logger, baseURL, token string) *PortalClient {
	return &PortalClient{
		log:     log.With().Str("component", "portal").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: portalTimeout},
		sleep:   retry.Sleep,
	}
}

// Lookup queries the Portal, retrying server errors, rate limits and network
// failures with exponential backoff.
func (p *PortalClient) Lookup(ctx context.Context, kind LookupKind, value, server string) (*Identity, error) {
	query := url.Values{}
	switch kind {
	case ByDiscord:
		query.Set("discordId", value)
	case ByIRC:
		query.Set("ircNick", value)
		if server != "" {
			query.Set("ircServer", server)
		}
	case ByXMPP:
		query.Set("xmppJid", value)
	default:
		return nil, fmt.Errorf("unknown lookup kind %q", kind)
	}
	reqURL := p.baseURL + "/api/bridge/identity?" + query.Encode()

	var lastErr error
	for attempt := 1; attempt <= portalAttempts; attempt++ {
		ident, retry, err := p.do(ctx, reqURL)
		if !retry {
			return ident, err
		}
		lastErr = err
		if attempt == portalAttempts {
			break
		}
		delay := portalBackoff.Delay(attempt)
		p.log.Debug().Err(err).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Portal lookup failed, retrying")
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("portal lookup failed after %d attempts: %w", portalAttempts, lastErr)
}

func (p *PortalClient) do(ctx context.Context, reqURL string) (ident *Identity, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build portal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("failed to reach portal: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("portal returned %d: %w", resp.StatusCode, ErrPortalStatus)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("portal returned %d: %w", resp.StatusCode, ErrPortalStatus)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, portalMaxBodySize))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read portal response: %w", err)
	}
	ident, err = decodeIdentity(body)
	return ident, false, err
}

// decodeIdentity accepts either {"ok": bool, "identity": {...}} or a bare
// identity object.
func decodeIdentity(body []byte) (*Identity, error) {
	var envelope struct {
		OK       *bool     `json:"ok"`
		Identity *Identity `json:"identity"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode portal response: %w", err)
	}
	if envelope.OK != nil {
		if !*envelope.OK {
			return nil, nil
		}
		return envelope.Identity, nil
	}
	var ident Identity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("failed to decode portal identity: %w", err)
	}
	if ident == (Identity{}) {
		return nil, nil
	}
	return &ident, nil
}
