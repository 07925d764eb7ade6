// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ergochat/irc-go/ircmsg"
)

// ErrQueueClosed is returned by Pop after Close.
var ErrQueueClosed = errors.New("irc queue closed")

// outLine is one queued IRC line. before runs right before it is written.
type outLine struct {
	msg    ircmsg.Message
	typing bool
	before func()
}

// Queue holds pending outbound lines of one connection. Messages are bounded
// by capacity and overflow drops the oldest one. Typing notifications are
// kept apart (one per channel) and only leave once no message is pending.
type Queue struct {
	mu       sync.Mutex
	capacity int
	messages []outLine
	typing   []outLine
	notify   chan struct{}
	done     chan struct{}
	closed   bool
	dropped  atomic.Int64
}

// NewQueue returns a queue bounded to capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues a message line and reports whether an older one was dropped
// to make room.
func (q *Queue) Push(line outLine) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if line.typing {
		q.typing = append(filterTyping(q.typing, line.msg), line)
	} else {
		if len(q.messages) >= q.capacity {
			q.messages[0] = outLine{}
			q.messages = q.messages[1:]
			q.dropped.Add(1)
			dropped = true
		}
		q.messages = append(q.messages, line)
	}
	q.mu.Unlock()
	q.wake()
	return dropped
}

func filterTyping(pending []outLine, next ircmsg.Message) []outLine {
	out := make([]outLine, 0, len(pending))
	for _, l := range pending {
		if len(l.msg.Params) == 0 || len(next.Params) == 0 || l.msg.Params[0] != next.Params[0] {
			out = append(out, l)
		}
	}
	return out
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop returns the next line without blocking.
func (q *Queue) TryPop() (outLine, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case len(q.messages) > 0:
		line := q.messages[0]
		q.messages[0] = outLine{}
		q.messages = q.messages[1:]
		return line, true
	case len(q.typing) > 0:
		line := q.typing[0]
		q.typing = q.typing[1:]
		return line, true
	}
	return outLine{}, false
}

// Pop blocks until a line is available, the queue is closed or ctx is done.
func (q *Queue) Pop(ctx context.Context) (outLine, error) {
	for {
		if line, ok := q.TryPop(); ok {
			return line, nil
		}
		select {
		case <-ctx.Done():
			return outLine{}, ctx.Err()
		case <-q.done:
			return outLine{}, ErrQueueClosed
		case <-q.notify:
		}
	}
}

// Len returns the number of pending message lines, typing excluded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Dropped returns how many messages were discarded on overflow.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close wakes blocked Pop calls. Pending lines are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.messages = nil
	q.typing = nil
	close(q.done)
}
