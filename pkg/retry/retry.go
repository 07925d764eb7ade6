// Copyright 2024-2026 Aiku AI

// Package retry computes exponential backoff delays shared by the Portal
// client and the IRC and XMPP reconnect loops.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff doubles Min on every attempt up to Max. With Jitter set the delay
// is scaled by a random factor in [0.5, 1.5).
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter bool

	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Max
	if attempt <= 32 {
		if shifted := b.Min << (attempt - 1); shifted > 0 && shifted < b.Max {
			d = shifted
		}
	}
	if b.Jitter {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d = time.Duration(float64(d) * (0.5 + rnd()))
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
