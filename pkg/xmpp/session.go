// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"time"

	"mellium.im/xmlstream"
	melliumxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
)

const dialTimeout = 30 * time.Second

// stanzaSender writes stanzas on the component stream.
type stanzaSender interface {
	Send(ctx context.Context, r xml.TokenReader) error
	SendIQ(ctx context.Context, r xml.TokenReader) (xmlstream.TokenReadCloser, error)
}

// session is the part of *xmpp.Session the adapter uses.
type session interface {
	stanzaSender
	Serve(h melliumxmpp.Handler) error
	Close() error
}

var _ session = (*melliumxmpp.Session)(nil)

// ComponentConfig is the XEP-0114 connection of the bridge.
type ComponentConfig struct {
	JID    string
	Secret string
	Server string
	Port   int
}

func (c ComponentConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 5347
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// dialComponent connects to the server and completes the component
// handshake.
func dialComponent(ctx context.Context, cfg ComponentConfig) (session, error) {
	addr, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid component JID %q: %w", cfg.JID, err)
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: time.Minute}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.addr(), err)
	}
	sess, err := component.NewSession(ctx, addr, []byte(cfg.Secret), conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("component handshake with %s failed: %w", cfg.addr(), err)
	}
	return sess, nil
}
