// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import "context"

// EventKind enumerates the lifecycle events a Transport reports.
type EventKind int

const (
	// EventConnected: the TCP/TLS stream to the server is up.
	EventConnected EventKind = iota
	// EventConnectFailed: the connection attempt failed before or
	// during stream setup.
	EventConnectFailed
	// EventAuthenticated: the server accepted the credentials.
	EventAuthenticated
	// EventAuthFailed: the server rejected the credentials. Terminal.
	EventAuthFailed
	// EventSessionReady: resource binding finished; the session can
	// join rooms.
	EventSessionReady
	// EventJoined: the requested room join was acknowledged.
	EventJoined
	// EventJoinFailed: the room join was refused or errored.
	EventJoinFailed
	// EventDisconnected: an established connection was lost or closed.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthFailed:
		return "auth-failed"
	case EventSessionReady:
		return "session-ready"
	case EventJoined:
		return "joined"
	case EventJoinFailed:
		return "join-failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TransportEvent is a single lifecycle notification from the protocol
// engine. Err carries detail for the failure kinds and is nil
// otherwise.
type TransportEvent struct {
	Kind EventKind
	Err  error
}

// ConnectSettings carries everything a Transport needs to open a
// stream.
type ConnectSettings struct {
	Server   string
	Port     int
	Username string
	Password string
}

// Transport is the black-box protocol engine underneath the client:
// it owns the wire format, TLS, and authentication, and reports
// progress as a stream of TransportEvents. The client layer never sees
// stanzas, only Envelopes.
//
// Implementations must not block event delivery on the consumer: the
// returned channel is read by a single state-machine goroutine that
// keeps up, but Connect, JoinRoom, and Disconnect must be safe to call
// from that same goroutine while events are pending.
type Transport interface {
	// Connect begins establishing a stream and returns the event
	// channel for this connection attempt. The channel is closed when
	// the connection is torn down. An immediate setup error may be
	// returned directly instead of as an EventConnectFailed.
	Connect(ctx context.Context, settings ConnectSettings) (<-chan TransportEvent, error)

	// JoinRoom requests membership in the data room under the given
	// nickname, asking the server to replay up to history recent
	// messages. The outcome arrives as EventJoined or EventJoinFailed.
	JoinRoom(ctx context.Context, room, nickname string, history int) error

	// OnMessage registers the callback invoked for every inbound data
	// message while joined. Must be called before Connect.
	OnMessage(func(Envelope))

	// OnActivity registers a callback invoked on every raw inbound
	// protocol traffic observation, including presence and keepalives.
	// Must be called before Connect.
	OnActivity(func())

	// Disconnect requests graceful stream teardown. It is a no-op on
	// an already-closed transport.
	Disconnect(reason string) error
}
