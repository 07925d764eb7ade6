// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"strings"
	"sync"
	"time"

	"github.com/aiku/atl-bridge/pkg/event"
)

const (
	pendingTTL   = time.Minute
	pendingLimit = 64
)

// pendingSend is a relayed message waiting for its echo-message copy.
type pendingSend struct {
	source event.Origin
	id     string
}

// pendingReaction is a reaction TAGMSG waiting for its echo.
type pendingReaction struct {
	discordID string
	emoji     string
	authorID  string
}

type pendingEntry[T any] struct {
	val T
	at  time.Time
}

// pendingFIFO matches echoes to the lines that caused them, one queue per
// (server, channel, nick). Entries older than pendingTTL never match.
type pendingFIFO[T any] struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string][]pendingEntry[T]
}

func newPendingFIFO[T any]() *pendingFIFO[T] {
	return &pendingFIFO[T]{now: time.Now, queues: make(map[string][]pendingEntry[T])}
}

func echoKey(server, channel, nick string) string {
	return strings.ToLower(server) + "\x00" + strings.ToLower(channel) + "\x00" + strings.ToLower(nick)
}

func (f *pendingFIFO[T]) Push(key string, val T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := append(f.queues[key], pendingEntry[T]{val: val, at: f.now()})
	if len(q) > pendingLimit {
		q = q[len(q)-pendingLimit:]
	}
	f.queues[key] = q
}

func (f *pendingFIFO[T]) Pop(key string) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[key]
	cutoff := f.now().Add(-pendingTTL)
	for len(q) > 0 && q[0].at.Before(cutoff) {
		q = q[1:]
	}
	var zero T
	if len(q) == 0 {
		delete(f.queues, key)
		return zero, false
	}
	val := q[0].val
	if len(q) == 1 {
		delete(f.queues, key)
	} else {
		f.queues[key] = q[1:]
	}
	return val, true
}
