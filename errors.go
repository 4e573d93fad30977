// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Start after the client has been stopped.
	// A stopped client cannot be restarted; construct a new one.
	ErrStopped = errors.New("nwws: client stopped")

	// ErrRetriesExhausted is the terminal failure surfaced when the
	// reconnect attempt limit is reached without regaining the feed.
	ErrRetriesExhausted = errors.New("nwws: reconnect attempts exhausted")

	// ErrSessionEnded is returned by Receive once the session has
	// terminated and no further bulletins will be delivered.
	ErrSessionEnded = errors.New("nwws: session ended")

	// ErrNoCredentials is returned when the configuration carries no
	// username or password.
	ErrNoCredentials = errors.New("nwws: username and password are required")
)

// ParseError reports a malformed or missing field in an inbound message
// envelope. The message carrying the defect is dropped; the session is
// unaffected. Callers can use errors.As to recover the offending field:
//
//	var parseErr *ParseError
//	if errors.As(err, &parseErr) {
//	    if parseErr.Field == "issue" { ... }
//	}
type ParseError struct {
	// Field names the envelope field that failed (e.g. "ttaaii", "issue").
	Field string
	// Reason is a human-readable description of the defect.
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("nwws: parse %s: %s", e.Field, e.Reason)
}

// IsParseError checks whether err is a *ParseError for the given field.
func IsParseError(err error, field string) bool {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Field == field
	}
	return false
}

// TransportError wraps a connection-level failure (dial, TLS, stream).
// Transport errors are retried under the backoff policy.
type TransportError struct {
	Op  string // the transport operation that failed ("connect", "disconnect")
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("nwws: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports a rejected credential. Authentication failures are
// terminal: retrying the same credential cannot succeed, so the state
// machine stops instead of reconnecting.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("nwws: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RoomJoinError reports a failed or refused room join. Join failures
// are retried exactly like connection failures.
type RoomJoinError struct {
	Room string
	Err  error
}

func (e *RoomJoinError) Error() string {
	return fmt.Sprintf("nwws: joining %s: %v", e.Room, e.Err)
}

func (e *RoomJoinError) Unwrap() error { return e.Err }
