// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func privmsg(target, text string) outLine {
	return outLine{msg: ircmsg.MakeMessage(nil, "", "PRIVMSG", target, text)}
}

func typing(target string) outLine {
	return outLine{msg: ircmsg.MakeMessage(map[string]string{"+typing": "active"}, "", "TAGMSG", target), typing: true}
}

func fixedThrottle(limit int, now *time.Time) *Throttle {
	th := NewThrottle(limit)
	th.now = func() time.Time { return *now }
	return th
}

func TestThrottle(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	th := fixedThrottle(3, &now)

	for i := range 3 {
		if !th.UseToken() {
			t.Fatalf("token %d: got false, want true", i)
		}
	}
	assert.False(t, th.UseToken(), "bucket should be empty")
	assert.Equal(t, time.Second, th.Acquire())
	assert.Equal(t, time.Second, th.Acquire(), "Acquire must not consume")

	now = now.Add(time.Second)
	assert.Equal(t, time.Duration(0), th.Acquire())
	assert.True(t, th.UseToken())
	assert.False(t, th.UseToken())

	now = now.Add(10 * time.Second)
	for i := range 3 {
		assert.True(t, th.UseToken(), "refilled token %d", i)
	}
	assert.False(t, th.UseToken(), "refill is capped at the limit")
}

func TestQueueDropsOldest(t *testing.T) {
	t.Parallel()
	q := NewQueue(2)
	assert.False(t, q.Push(privmsg("#a", "1")))
	assert.False(t, q.Push(privmsg("#a", "2")))
	assert.True(t, q.Push(privmsg("#a", "3")))
	assert.Equal(t, 2, q.Len())
	assert.EqualValues(t, 1, q.Dropped())

	for _, want := range []string{"2", "3"} {
		line, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, line.msg.Params[1])
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueMessagesBeforeTyping(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	q.Push(typing("#a"))
	q.Push(privmsg("#a", "hello"))
	q.Push(typing("#b"))
	q.Push(typing("#a"))
	assert.Equal(t, 1, q.Len(), "typing lines are not counted")

	var got []string
	for {
		line, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, line.msg.Command+" "+line.msg.Params[0])
	}
	assert.Equal(t, []string{"PRIVMSG #a", "TAGMSG #b", "TAGMSG #a"}, got)
}

func TestQueueTypingNeverDropsMessages(t *testing.T) {
	t.Parallel()
	q := NewQueue(1)
	q.Push(privmsg("#a", "keep"))
	for range 5 {
		assert.False(t, q.Push(typing("#a")))
	}
	assert.EqualValues(t, 0, q.Dropped())
	line, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "keep", line.msg.Params[1])
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	got := make(chan string, 1)
	go func() {
		line, err := q.Pop(context.Background())
		if err == nil {
			got <- line.msg.Params[1]
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(privmsg("#a", "late"))
	select {
	case text := <-got:
		assert.Equal(t, "late", text)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	q.Push(privmsg("#a", "x"))
	q.Close()
	q.Close()
	_, err := q.Pop(context.Background())
	assert.True(t, errors.Is(err, ErrQueueClosed), "got %v", err)
	assert.False(t, q.Push(privmsg("#a", "y")))
	assert.Equal(t, 0, q.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewQueue(1).Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// burst pushes n lines at one instant and drains as many as the throttle
// allows without time passing.
func burst(n, queueSize, limit int) (sent, remaining int, dropped int64) {
	now := time.Unix(1700000000, 0)
	th := fixedThrottle(limit, &now)
	q := NewQueue(queueSize)
	for i := range n {
		q.Push(privmsg("#burst", fmt.Sprintf("line %d", i)))
	}
	for th.UseToken() {
		if _, ok := q.TryPop(); !ok {
			break
		}
		sent++
	}
	return sent, q.Len(), q.Dropped()
}

func TestThrottleBurst(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		queue         int
		wantSent      int
		wantRemaining int
		wantDropped   int64
	}{
		// 40 lines into 30 slots: the 10 oldest are dropped on arrival.
		{"configured queue", 30, 10, 20, 10},
		{"queue holding 20", 20, 10, 10, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sent, remaining, dropped := burst(40, tt.queue, 10)
			if sent != tt.wantSent || remaining != tt.wantRemaining || dropped != tt.wantDropped {
				t.Errorf("burst: got sent=%d remaining=%d dropped=%d, want %d/%d/%d",
					sent, remaining, dropped, tt.wantSent, tt.wantRemaining, tt.wantDropped)
			}
		})
	}
}

func TestPendingFIFO(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	f := newPendingFIFO[string]()
	f.now = func() time.Time { return now }
	key := echoKey("IRC.example.com", "#Chan", "Bot")
	assert.Equal(t, echoKey("irc.example.com", "#chan", "bot"), key)

	f.Push(key, "a")
	f.Push(key, "b")
	v, ok := f.Pop(key)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	now = now.Add(2 * pendingTTL)
	_, ok = f.Pop(key)
	assert.False(t, ok, "stale entries never match")

	for i := range pendingLimit + 5 {
		f.Push(key, fmt.Sprint(i))
	}
	v, _ = f.Pop(key)
	assert.Equal(t, "5", v)
}
