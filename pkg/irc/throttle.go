// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle is the outbound token bucket of one server connection: limit
// tokens, refilled at one token per second.
type Throttle struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewThrottle returns a full bucket of limit tokens.
func NewThrottle(limit int) *Throttle {
	if limit <= 0 {
		limit = 1
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(time.Second), limit),
		now:     time.Now,
	}
}

// UseToken takes a token if one is available and reports whether it did.
func (t *Throttle) UseToken() bool {
	return t.limiter.AllowN(t.now(), 1)
}

// Acquire returns how long until a token is available, without taking it.
func (t *Throttle) Acquire() time.Duration {
	now := t.now()
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

