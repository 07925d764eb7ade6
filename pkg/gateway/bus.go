// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway routes events between the protocol adapters. Adapters
// publish inbound events on the Bus; the Relay turns them into outbound
// events for the other legs of the mapping.
package gateway

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/atl-bridge/pkg/event"
)

// Target receives events from the Bus. PushEvent must not block: targets
// queue their own work and return.
type Target interface {
	AcceptEvent(source string, evt event.Event) bool
	PushEvent(source string, evt event.Event)
}

// Named is an optional interface used to label targets in logs.
type Named interface {
	Name() string
}

// Publisher is the publishing half of the Bus, handed to adapters.
type Publisher interface {
	Publish(source string, evt event.Event)
}

// Bus is a synchronous fan-out dispatcher.
type Bus struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	targets []Target
}

var _ Publisher = (*Bus)(nil)

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Register appends t to the delivery list. Registering a target twice has no
// effect. Targets must be comparable (pointer types in practice).
func (b *Bus) Register(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.targets, t) {
		return
	}
	b.targets = append(b.targets, t)
}

// Unregister removes t. Unknown targets are ignored.
func (b *Bus) Unregister(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.targets, t); i >= 0 {
		b.targets = slices.Delete(slices.Clone(b.targets), i, i+1)
	}
}

// Publish delivers evt to every registered target in registration order.
// A panicking target is logged and skipped; the remaining targets still
// receive the event. Publish may be called from inside PushEvent.
func (b *Bus) Publish(source string, evt event.Event) {
	b.mu.RLock()
	targets := b.targets
	b.mu.RUnlock()
	for _, t := range targets {
		b.deliver(t, source, evt)
	}
}

func (b *Bus) deliver(t Target, source string, evt event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("source", source).
				Str("target", targetName(t)).
				Str("event", string(evt.Kind())).
				Any("panic", r).
				Msg("Event target panicked")
		}
	}()
	if t.AcceptEvent(source, evt) {
		t.PushEvent(source, evt)
	}
}

func targetName(t Target) string {
	if n, ok := t.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t)
}
