// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/retry"
)

// ErrNotConnected is returned when writing without a live connection.
var ErrNotConnected = errors.New("irc client not connected")

// Capabilities requested from the server when offered.
var wantedCaps = []string{
	"message-tags",
	"echo-message",
	"server-time",
	"sasl",
	"draft/reply",
	"draft/react",
	"draft/chathistory",
	"draft/relaymsg",
	"overdrivenetworks.com/relaymsg",
	"draft/message-redaction",
}

const (
	writeTimeout  = 10 * time.Second
	dialTimeout   = 30 * time.Second
	maxLineLength = 16384
	saslChunkSize = 400
	minTokenPoll  = 10 * time.Millisecond
)

// ClientConfig describes one IRC connection, either the main bridge bot or
// a puppet.
type ClientConfig struct {
	Server    string
	Port      int
	TLS       bool
	TLSVerify bool
	Nick      string
	Channels  []string

	// SASL PLAIN is used when both are set.
	SASLUser     string
	SASLPassword string

	AutoRejoin           bool
	RejoinDelay          time.Duration
	MaxReconnectAttempts int

	// PrejoinCommands are raw lines sent after registration, before JOIN.
	// {nick} is replaced with the nick the server accepted.
	PrejoinCommands []string
	// PingInterval enables keep-alive PINGs.
	PingInterval time.Duration

	ThrottleLimit int
	QueueSize     int
}

// Handler receives every message the client does not consume itself.
type Handler func(c *Client, msg ircmsg.Message)

// Client is one IRC connection with reconnect, capability negotiation and a
// throttled outbound queue.
type Client struct {
	log     zerolog.Logger
	cfg     ClientConfig
	handler Handler

	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	backoff retry.Backoff

	queue    *Queue
	throttle *Throttle

	state atomic.Int32

	mu       sync.Mutex
	conn     net.Conn
	nick     string
	offered  map[string]string
	caps     map[string]bool
	channels []string
	ready    chan struct{}

	writeMu sync.Mutex
}

// NewClient prepares a client; nothing is dialled until Run.
func NewClient(log zerolog.Logger, cfg ClientConfig, handler Handler) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6667
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: time.Minute}
	c := &Client{
		log:      log.With().Str("server", cfg.Server).Str("nick", cfg.Nick).Logger(),
		cfg:      cfg,
		handler:  handler,
		dial:     dialer.DialContext,
		backoff:  retry.Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Jitter: true},
		queue:    NewQueue(cfg.QueueSize),
		throttle: NewThrottle(cfg.ThrottleLimit),
		nick:     cfg.Nick,
		channels: slices.Clone(cfg.Channels),
		ready:    make(chan struct{}),
	}
	return c
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Server, strconv.Itoa(c.cfg.Port))
}

// Server returns the configured server host name.
func (c *Client) Server() string { return c.cfg.Server }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debug().Stringer("from", old).Stringer("to", s).Msg("IRC state changed")
	}
}

// Nick returns the nick currently held on the server.
func (c *Client) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// HasCap reports whether a capability was acknowledged.
func (c *Client) HasCap(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[name]
}

// HasRelayMsg reports whether RELAYMSG can be used.
func (c *Client) HasRelayMsg() bool {
	return c.HasCap("draft/relaymsg") || c.HasCap("overdrivenetworks.com/relaymsg")
}

// Ready returns a channel closed once the current session has joined its
// channels.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Queue exposes the outbound queue for status reporting.
func (c *Client) Queue() *Queue { return c.queue }

// Enqueue adds a line to the outbound queue. It never blocks. before, if
// set, runs on the sender goroutine just before the line is written.
func (c *Client) Enqueue(msg ircmsg.Message, before func()) {
	if c.queue.Push(outLine{msg: msg, before: before}) {
		c.log.Warn().Int64("dropped_total", c.queue.Dropped()).Msg("IRC outbound queue full, dropped oldest message")
	}
}

// EnqueueTyping adds a typing notification, replacing any pending one for
// the same target.
func (c *Client) EnqueueTyping(msg ircmsg.Message) {
	c.queue.Push(outLine{msg: msg, typing: true})
}

// Join joins channel now if connected, and on every later reconnect.
func (c *Client) Join(channel string) {
	c.mu.Lock()
	known := slices.ContainsFunc(c.channels, func(ch string) bool { return strings.EqualFold(ch, channel) })
	if !known {
		c.channels = append(c.channels, channel)
	}
	c.mu.Unlock()
	if !known && c.State() == StateJoinedIdle {
		_ = c.SendRaw("JOIN", channel)
	}
}

// Part leaves channel and forgets it.
func (c *Client) Part(channel string) {
	c.mu.Lock()
	c.channels = slices.DeleteFunc(c.channels, func(ch string) bool { return strings.EqualFold(ch, channel) })
	c.mu.Unlock()
	if c.State() == StateJoinedIdle {
		_ = c.SendRaw("PART", channel)
	}
}

// Channels returns the channels joined on connect.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

// Run connects and keeps the connection alive until ctx is done or the
// reconnect attempts are exhausted. A QUIT is sent on cancellation.
func (c *Client) Run(ctx context.Context) error {
	senderCtx, stopSender := context.WithCancel(ctx)
	defer stopSender()
	go c.runSender(senderCtx)
	defer c.queue.Close()

	attempt := 0
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			attempt = 0
		}
		attempt++
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("giving up on %s after %d attempts: %w", c.Addr(), attempt-1, err)
		}
		wait := c.backoff.Delay(attempt)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("IRC connection lost, reconnecting")
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, err := c.dial(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.Addr(), err)
	}
	if !c.cfg.TLS {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         c.cfg.Server,
		InsecureSkipVerify: !c.cfg.TLSVerify, //nolint:gosec // irc_tls_verify opt-out
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", c.Addr(), err)
	}
	return tlsConn, nil
}

// session runs one connection until it drops. registered reports whether
// the server accepted us, which resets the reconnect counter.
func (c *Client) session(ctx context.Context) (registered bool, err error) {
	c.setState(StateConnecting)
	conn, err := c.connect(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.nick = c.cfg.Nick
	c.offered = make(map[string]string)
	c.caps = make(map[string]bool)
	c.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		if ctx.Err() != nil {
			c.setState(StateDisconnecting)
			_ = c.SendRaw("QUIT", "Bridge shutting down")
		}
		_ = conn.Close()
	}()

	c.setState(StateRegistering)
	_ = c.SendRaw("CAP", "LS", "302")
	_ = c.SendRaw("NICK", c.cfg.Nick)
	_ = c.SendRaw("USER", c.cfg.Nick, "0", "*", c.cfg.Nick)
	c.setState(StateCapNegotiating)

	reader := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.endSession(conn)
			return registered, fmt.Errorf("read from %s: %w", c.Addr(), err)
		}
		if len(line) > maxLineLength {
			continue
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		msg, err := ircmsg.ParseLine(line)
		if err != nil {
			c.log.Debug().Err(err).Str("line", line).Msg("Ignoring unparsable IRC line")
			continue
		}
		if c.handleInternal(sessCtx, conn, msg) {
			registered = true
		}
	}
}

func (c *Client) endSession(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// handleInternal processes protocol messages and forwards the rest to the
// handler. It returns true once registration completed.
func (c *Client) handleInternal(ctx context.Context, conn net.Conn, msg ircmsg.Message) (registered bool) {
	switch msg.Command {
	case "PING":
		_ = c.SendRaw("PONG", msg.Params...)
		return false
	case "CAP":
		c.handleCap(msg)
		return false
	case "AUTHENTICATE":
		if len(msg.Params) > 0 && msg.Params[0] == "+" {
			c.sendSASLPlain()
		}
		return false
	case "903":
		c.log.Info().Msg("SASL authentication succeeded")
		_ = c.SendRaw("CAP", "END")
		return false
	case "902", "904", "905", "906":
		c.log.Warn().Str("numeric", msg.Command).Strs("params", msg.Params).Msg("SASL authentication failed")
		_ = c.SendRaw("CAP", "END")
		return false
	case "433":
		if c.State() != StateJoinedIdle {
			c.mu.Lock()
			c.nick += "_"
			nick := c.nick
			c.mu.Unlock()
			c.log.Info().Str("new_nick", nick).Msg("Nick in use, retrying")
			_ = c.SendRaw("NICK", nick)
		}
		return false
	case "001":
		c.onWelcome(ctx, msg)
		return true
	case "NICK":
		if len(msg.Params) > 0 && strings.EqualFold(nickOf(msg.Source), c.Nick()) {
			c.mu.Lock()
			c.nick = msg.Params[0]
			c.mu.Unlock()
		}
	case "KICK":
		c.onKick(ctx, conn, msg)
	case "ERROR":
		c.log.Warn().Strs("params", msg.Params).Msg("IRC server sent ERROR")
		return false
	}
	if c.handler != nil {
		c.handler(c, msg)
	}
	return false
}

func (c *Client) handleCap(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	sub := strings.ToUpper(msg.Params[1])
	list := msg.Params[len(msg.Params)-1]
	switch sub {
	case "LS":
		c.mu.Lock()
		for _, tok := range strings.Fields(list) {
			name, value, _ := strings.Cut(tok, "=")
			c.offered[name] = value
		}
		offered := c.offered
		c.mu.Unlock()
		// "CAP * LS * :..." announces more lines.
		if len(msg.Params) > 3 && msg.Params[2] == "*" {
			return
		}
		var req []string
		for _, name := range wantedCaps {
			if _, ok := offered[name]; !ok {
				continue
			}
			if name == "sasl" && (c.cfg.SASLUser == "" || c.cfg.SASLPassword == "") {
				continue
			}
			req = append(req, name)
		}
		if len(req) == 0 {
			_ = c.SendRaw("CAP", "END")
			return
		}
		_ = c.SendRaw("CAP", "REQ", strings.Join(req, " "))
	case "ACK":
		c.mu.Lock()
		for _, name := range strings.Fields(list) {
			if strings.HasPrefix(name, "-") {
				delete(c.caps, name[1:])
				continue
			}
			c.caps[name] = true
		}
		sasl := c.caps["sasl"]
		c.mu.Unlock()
		c.log.Debug().Str("caps", list).Msg("IRC capabilities acknowledged")
		if sasl && c.State() == StateCapNegotiating {
			c.setState(StateAuthenticating)
			_ = c.SendRaw("AUTHENTICATE", "PLAIN")
			return
		}
		if c.State() == StateCapNegotiating {
			_ = c.SendRaw("CAP", "END")
		}
	case "NAK":
		c.log.Debug().Str("caps", list).Msg("IRC capabilities rejected")
		if c.State() == StateCapNegotiating {
			_ = c.SendRaw("CAP", "END")
		}
	case "DEL":
		c.mu.Lock()
		for _, name := range strings.Fields(list) {
			delete(c.caps, name)
		}
		c.mu.Unlock()
	}
}

func (c *Client) sendSASLPlain() {
	payload := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.SASLUser + "\x00" + c.cfg.SASLUser + "\x00" + c.cfg.SASLPassword))
	for len(payload) >= saslChunkSize {
		_ = c.SendRaw("AUTHENTICATE", payload[:saslChunkSize])
		payload = payload[saslChunkSize:]
	}
	if payload == "" {
		payload = "+"
	}
	_ = c.SendRaw("AUTHENTICATE", payload)
}

func (c *Client) onWelcome(ctx context.Context, msg ircmsg.Message) {
	if len(msg.Params) > 0 {
		c.mu.Lock()
		c.nick = msg.Params[0]
		c.mu.Unlock()
	}
	nick := c.Nick()
	for _, cmd := range c.cfg.PrejoinCommands {
		raw := strings.ReplaceAll(cmd, "{nick}", nick)
		if err := c.writeLine(raw + "\r\n"); err != nil {
			c.log.Warn().Err(err).Msg("Failed to send pre-join command")
		}
	}
	for _, ch := range c.Channels() {
		_ = c.SendRaw("JOIN", ch)
	}
	c.setState(StateJoinedIdle)
	c.mu.Lock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
	c.log.Info().Str("nick", nick).Strs("channels", c.Channels()).Msg("IRC registered")
	if c.cfg.PingInterval > 0 {
		go c.keepAlive(ctx)
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendRaw("PING", "keep-alive"); err != nil {
				return
			}
		}
	}
}

func (c *Client) onKick(ctx context.Context, conn net.Conn, msg ircmsg.Message) {
	if len(msg.Params) < 2 || !strings.EqualFold(msg.Params[1], c.Nick()) {
		return
	}
	channel := msg.Params[0]
	reason := ""
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	log := c.log.With().Str("channel", channel).Str("reason", reason).Logger()
	if !c.cfg.AutoRejoin {
		log.Warn().Msg("Kicked from channel, auto-rejoin disabled")
		return
	}
	if strings.Contains(strings.ToLower(reason), "ban") {
		log.Warn().Msg("Kicked with a ban, not rejoining")
		return
	}
	log.Info().Dur("delay", c.cfg.RejoinDelay).Msg("Kicked from channel, rejoining")
	go func() {
		if retry.Sleep(ctx, c.cfg.RejoinDelay) != nil {
			return
		}
		c.mu.Lock()
		same := c.conn == conn
		c.mu.Unlock()
		if same {
			_ = c.SendRaw("JOIN", channel)
		}
	}()
}

// SendRaw writes a tagless command immediately, bypassing the queue.
func (c *Client) SendRaw(command string, params ...string) error {
	return c.Send(ircmsg.MakeMessage(nil, "", command, params...))
}

// Send writes msg immediately, bypassing the queue.
func (c *Client) Send(msg ircmsg.Message) error {
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", msg.Command, err)
	}
	return c.writeLine(line)
}

func (c *Client) writeLine(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.Addr(), err)
	}
	return nil
}

// runSender drains the queue through the throttle once the session is
// ready. Lines that fail to write are dropped.
func (c *Client) runSender(ctx context.Context) {
	for {
		line, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.Ready():
		}
		if err := c.waitToken(ctx); err != nil {
			return
		}
		if line.before != nil {
			line.before()
		}
		if err := c.Send(line.msg); err != nil {
			c.log.Warn().Err(err).Str("command", line.msg.Command).Msg("Failed to send IRC line")
		}
	}
}

func (c *Client) waitToken(ctx context.Context) error {
	for !c.throttle.UseToken() {
		if err := retry.Sleep(ctx, max(c.throttle.Acquire(), minTokenPoll)); err != nil {
			return err
		}
	}
	return nil
}
