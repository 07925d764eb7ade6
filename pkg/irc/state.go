// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package irc

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateCapNegotiating
	StateAuthenticating
	StateJoinedIdle
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateCapNegotiating:
		return "cap_negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateJoinedIdle:
		return "joined_idle"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}
