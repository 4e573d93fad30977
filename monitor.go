// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// idleMonitor watches the gap since the last observed inbound traffic
// and requests a reconnect when it exceeds the configured timeout. It
// only signals; reconnection policy stays with the session state
// machine.
type idleMonitor struct {
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
	last     atomic.Int64  // unix nanoseconds of last activity
	stale    chan struct{} // capacity 1; coalesced staleness requests
	done     chan struct{}
	stopped  atomic.Bool
}

func newIdleMonitor(timeout time.Duration, logger *slog.Logger) *idleMonitor {
	interval := timeout / 4
	if interval < time.Second {
		interval = timeout
	}
	m := &idleMonitor{
		logger:   logger,
		timeout:  timeout,
		interval: interval,
		stale:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	m.markActivity()
	return m
}

// markActivity records traffic now. Called on every accepted bulletin
// and on every raw protocol-level observation, including presence and
// keepalives, and by the state machine when entering a reconnect cycle
// so one stale period cannot trigger a second reconnect.
func (m *idleMonitor) markActivity() {
	m.last.Store(time.Now().UnixNano())
}

// staleness returns the channel the monitor signals on. Each signal
// requests exactly one forced reconnect.
func (m *idleMonitor) staleness() <-chan struct{} {
	return m.stale
}

func (m *idleMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, m.last.Load()))
			if idle <= m.timeout {
				continue
			}
			m.logger.Warn("no traffic observed, requesting reconnect",
				"idle", idle.Round(time.Second), "timeout", m.timeout)
			// Reset the clock before signaling so the next tick does
			// not re-trigger for the same silent period.
			m.markActivity()
			select {
			case m.stale <- struct{}{}:
			default:
			}
		}
	}
}

func (m *idleMonitor) stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.done)
	}
}
