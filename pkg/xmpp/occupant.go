// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mellium.im/xmpp/jid"
)

const (
	// ListenerNick is the occupant that receives room traffic for the bridge.
	ListenerNick = "atl-bridge"
	listenerNode = "bridge"

	joinTimeout = 30 * time.Second
)

// ErrJoinTimeout is returned when a room does not answer a join.
var ErrJoinTimeout = errors.New("timed out joining MUC")

// JoinError is an error presence returned by a room for a join.
type JoinError struct {
	Occupant  string
	Condition string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s refused: %s", e.Occupant, e.Condition)
}

// occupantAddr is the map key of room/nick. Room JIDs compare
// case-insensitively, nicks do not.
func occupantAddr(room, nick string) string {
	return strings.ToLower(room) + "/" + nick
}

type joinedKey struct {
	room string
	user string
}

// occupant is one of our users joined to a room.
type occupant struct {
	user jid.JID
	room jid.JID
	nick string
}

// userJID returns the component address of a bridged user.
func (a *Adapter) userJID(nick string) (jid.JID, error) {
	return jid.New(EscapeNode(nick), a.domain, "")
}

// ensureJoined joins user to room unless it already is, and returns the
// nick it holds there. A refused or unanswered join is retried once with
// "{nick}_bridge".
func (a *Adapter) ensureJoined(ctx context.Context, s stanzaSender, room, user jid.JID, nick string) (string, error) {
	key := joinedKey{room: strings.ToLower(room.String()), user: user.String()}
	a.mu.Lock()
	if held, ok := a.joined[key]; ok {
		a.mu.Unlock()
		return held, nil
	}
	a.mu.Unlock()

	var err error
	for attempt, candidate := range []string{nick, nick + "_bridge"} {
		if err = a.join(ctx, s, room, user, candidate); err == nil {
			a.mu.Lock()
			a.joined[key] = candidate
			a.own[occupantAddr(room.String(), candidate)] = occupant{user: user, room: room, nick: candidate}
			a.mu.Unlock()
			a.log.Info().
				Str("room", room.String()).
				Str("jid", user.String()).
				Str("nick", candidate).
				Bool("fallback_nick", attempt > 0).
				Msg("Joined MUC")
			return candidate, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.log.Warn().Err(err).Str("room", room.String()).Str("nick", candidate).Msg("Failed to join MUC")
	}
	return "", err
}

func (a *Adapter) join(ctx context.Context, s stanzaSender, room, user jid.JID, nick string) error {
	occ, err := room.WithResource(nick)
	if err != nil {
		return fmt.Errorf("invalid occupant nick %q: %w", nick, err)
	}
	key := occupantAddr(room.String(), nick)
	result := make(chan error, 1)
	a.mu.Lock()
	a.pendingJoins[key] = result
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.pendingJoins[key] == result {
			delete(a.pendingJoins, key)
		}
		a.mu.Unlock()
	}()

	if err := s.Send(ctx, joinPresence(user, occ)); err != nil {
		return fmt.Errorf("failed to send join presence: %w", err)
	}
	timer := time.NewTimer(a.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isOwn reports whether room/nick is one of our occupants, judged by the
// nicks we joined with or the real JID the room reported.
func (a *Adapter) isOwn(room, nick string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := occupantAddr(room, nick)
	if _, ok := a.own[addr]; ok {
		return true
	}
	if realAddr, ok := a.roster[addr]; ok {
		if j, err := jid.Parse(realAddr); err == nil && strings.EqualFold(j.Domainpart(), a.domain) {
			return true
		}
	}
	return false
}

// realJID returns the real JID the room reported for room/nick.
func (a *Adapter) realJID(room, nick string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roster[occupantAddr(room, nick)]
}

// leaveAll sends unavailable presence for every joined occupant.
func (a *Adapter) leaveAll(ctx context.Context, s stanzaSender) {
	a.mu.Lock()
	all := make([]occupant, 0, len(a.own))
	for _, occ := range a.own {
		all = append(all, occ)
	}
	a.mu.Unlock()
	for _, occ := range all {
		addr, err := occ.room.WithResource(occ.nick)
		if err != nil {
			continue
		}
		if err := s.Send(ctx, leavePresence(occ.user, addr)); err != nil {
			a.log.Debug().Err(err).Str("occupant", addr.String()).Msg("Failed to leave MUC")
			return
		}
	}
}

// leaveRoom removes every occupant of ours from room.
func (a *Adapter) leaveRoom(ctx context.Context, s stanzaSender, room string) {
	a.mu.Lock()
	var gone []occupant
	for addr, occ := range a.own {
		if strings.EqualFold(occ.room.String(), room) {
			gone = append(gone, occ)
			delete(a.own, addr)
			delete(a.joined, joinedKey{room: strings.ToLower(occ.room.String()), user: occ.user.String()})
		}
	}
	a.mu.Unlock()
	for _, occ := range gone {
		if addr, err := occ.room.WithResource(occ.nick); err == nil {
			_ = s.Send(ctx, leavePresence(occ.user, addr))
		}
	}
}

// resetOccupants forgets every join, for a new stream.
func (a *Adapter) resetOccupants() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joined = make(map[joinedKey]string)
	a.own = make(map[string]occupant)
	a.roster = make(map[string]string)
}

// joinedRooms lists the rooms the listener is in.
func (a *Adapter) joinedRooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var rooms []string
	for _, occ := range a.own {
		if occ.user.Equal(a.listener) {
			rooms = append(rooms, occ.room.String())
		}
	}
	return rooms
}
