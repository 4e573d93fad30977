// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"context"
	"crypto/rand"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is a position in the client's connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSessionEstablishing
	StateJoiningRoom
	StateActive
	StateReconnecting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSessionEstablishing:
		return "session-establishing"
	case StateJoiningRoom:
		return "joining-room"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the default XMPP transport. Used by tests and
// by callers that tunnel the feed through something else entirely.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is a durable NWWS-OI session: it establishes the connection,
// joins the data room, recovers from transient failures with
// exponential backoff, and delivers parsed bulletins through push
// subscribers and a blocking pull interface.
//
// A Client is single-use: construct, Start, consume, Stop. All methods
// are safe for concurrent use.
type Client struct {
	cfg       Config
	parser    Parser
	transport Transport
	logger    *slog.Logger
	queue     *deliveryQueue
	monitor   *idleMonitor
	nickname  string

	state atomic.Int32

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{} // closed when the run loop has fully exited

	mu         sync.Mutex
	stopReason string

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error
}

// New validates the configuration and builds a client. The returned
// client is idle until Start is called.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		parser:   Parser{IssueFormats: cfg.IssueFormats},
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		readyCh:  make(chan struct{}),
		nickname: nickname(cfg.Username),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewXMPPTransport(c.logger)
	}
	c.queue = newDeliveryQueue(cfg.QueueCapacity, c.logger)
	c.monitor = newIdleMonitor(cfg.IdleTimeout, c.logger)
	return c, nil
}

// nickname builds a unique room nickname so multiple client instances
// under the same account never collide in the room roster.
func nickname(username string) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s.%x", username, suffix)
}

// Start begins the connection lifecycle and blocks until the session
// first reaches the active state (nil) or fails terminally before ever
// becoming active (the terminal error). Once active has been reached,
// later failures are handled internally and visible only through
// IsConnected and the log.
//
// ctx bounds only the wait: canceling it abandons the wait without
// stopping the client. Use Stop for that.
func (c *Client) Start(ctx context.Context) error {
	// The launch decision is serialized with Stop's started check so a
	// concurrent Stop either prevents the launch entirely or waits for
	// the launched loop to unwind.
	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		return ErrStopped
	default:
	}
	if c.started.CompareAndSwap(false, true) {
		c.transport.OnMessage(c.onEnvelope)
		c.transport.OnActivity(c.monitor.markActivity)
		go c.monitor.run()
		go c.run()
	}
	c.mu.Unlock()
	select {
	case <-c.readyCh:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests graceful shutdown and waits for every background task
// (run loop, idle monitor, reconnect timer) to terminate. Pending pull
// consumers observe end-of-sequence. Idempotent.
func (c *Client) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopReason = reason
		close(c.stopCh)
		c.mu.Unlock()
	})
	// Reading started under the same lock as the launch decision means
	// either the run loop was never launched (Start will observe the
	// closed stopCh) or it was and done will be closed.
	c.mu.Lock()
	started := c.started.Load()
	c.mu.Unlock()
	if started {
		<-c.done
		return
	}
	// Never started: there is no run loop to unwind, but consumers and
	// the monitor still need releasing.
	c.monitor.stop()
	c.queue.closeQueue()
	c.signalReady(ErrStopped)
}

// Subscribe registers a push handler invoked for every bulletin
// delivered while the session is active.
func (c *Client) Subscribe(h Handler) Subscription {
	return c.queue.subscribe(h)
}

// Unsubscribe removes a previously registered handler.
func (c *Client) Unsubscribe(id Subscription) {
	c.queue.unsubscribe(id)
}

// Receive returns the next bulletin, blocking until one is available,
// ctx is done, or the session ends (ErrSessionEnded).
func (c *Client) Receive(ctx context.Context) (*Bulletin, error) {
	return c.queue.dequeue(ctx)
}

// Bulletins returns an iterator delivering bulletins one at a time
// until the session ends or ctx is canceled.
//
//	for bulletin := range client.Bulletins(ctx) {
//	    handle(bulletin)
//	}
func (c *Client) Bulletins(ctx context.Context) iter.Seq[*Bulletin] {
	return func(yield func(*Bulletin) bool) {
		for {
			b, err := c.queue.dequeue(ctx)
			if err != nil {
				return
			}
			if !yield(b) {
				return
			}
		}
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the session is active and accepting
// bulletins.
func (c *Client) IsConnected() bool {
	return c.State() == StateActive
}

// SubscriberCount reports the number of registered push handlers.
func (c *Client) SubscriberCount() int {
	return c.queue.subscriberCount()
}

// QueueDepth reports the number of bulletins buffered for pull
// consumption.
func (c *Client) QueueDepth() int {
	return c.queue.depth()
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("state transition", "from", prev.String(), "to", s.String())
	}
}

func (c *Client) signalReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.readyCh)
	})
}

func (c *Client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// newBackoffPolicy builds the reconnect delay schedule. Jitter is
// disabled so attempt i sleeps exactly min(initial*multiplier^(i-1), max).
func newBackoffPolicy(cfg BackoffConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Initial
	policy.Multiplier = cfg.Multiplier
	policy.MaxInterval = cfg.Max
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// sessionOutcome tells the run loop what to do after a connection
// attempt ends.
type sessionOutcome int

const (
	outcomeRetry sessionOutcome = iota // transient failure, reconnect under backoff
	outcomeStop                        // explicit stop requested
	outcomeFatal                       // terminal failure, surface and shut down
)

// run is the single event-processing task: every transport event,
// staleness signal, and stop request is serialized here, so session
// state never races.
func (c *Client) run() {
	defer close(c.done)
	defer c.setState(StateDisconnected)
	defer c.queue.closeQueue()
	defer c.monitor.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	policy := newBackoffPolicy(c.cfg.Backoff)
	attempts := 0

	settings := ConnectSettings{
		Server:   c.cfg.Server,
		Port:     c.cfg.Port,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	}

	for {
		c.setState(StateConnecting)
		c.logger.Info("connecting", "server", c.cfg.Server, "port", c.cfg.Port)

		outcome := outcomeRetry
		var fatal error
		events, err := c.transport.Connect(ctx, settings)
		if err != nil {
			c.logger.Warn("connection failed", "error", &TransportError{Op: "connect", Err: err})
		} else {
			outcome, fatal = c.runSession(ctx, events, policy, &attempts)
		}

		switch outcome {
		case outcomeStop:
			c.setState(StateStopping)
			c.transport.Disconnect(c.reason())
			c.signalReady(ErrStopped)
			c.logger.Info("stopped", "reason", c.reason())
			return
		case outcomeFatal:
			c.setState(StateStopping)
			c.transport.Disconnect("terminal failure")
			c.signalReady(fatal)
			c.logger.Error("terminal failure, shutting down", "error", fatal)
			return
		}

		// Transient failure: disconnect in case the transport still
		// believes it is connected, then back off and try again.
		c.setState(StateReconnecting)
		c.transport.Disconnect("reconnecting")
		attempts++
		if c.cfg.Backoff.MaxAttempts > 0 && attempts >= c.cfg.Backoff.MaxAttempts {
			c.setState(StateStopping)
			c.signalReady(ErrRetriesExhausted)
			c.logger.Error("reconnect attempts exhausted", "attempts", attempts)
			return
		}
		delay := policy.NextBackOff()
		c.logger.Info("waiting before reconnect", "delay", delay, "attempt", attempts)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			c.setState(StateStopping)
			c.signalReady(ErrStopped)
			c.logger.Info("stopped during reconnect wait", "reason", c.reason())
			return
		}
		// A fresh attempt starts with a fresh activity clock so the
		// monitor cannot immediately re-flag the old silent period.
		c.monitor.markActivity()
	}
}

// runSession consumes the event stream of one connection attempt and
// drives the state transitions until the connection ends one way or
// another.
func (c *Client) runSession(ctx context.Context, events <-chan TransportEvent, policy *backoff.ExponentialBackOff, attempts *int) (sessionOutcome, error) {
	for {
		select {
		case <-c.stopCh:
			return outcomeStop, nil

		case <-c.monitor.staleness():
			if c.State() != StateActive {
				continue
			}
			c.logger.Warn("idle session, forcing reconnect")
			return outcomeRetry, nil

		case ev, ok := <-events:
			if !ok {
				// Event stream closed without a disconnect event: the
				// connection is gone.
				return outcomeRetry, nil
			}
			switch ev.Kind {
			case EventConnected:
				c.setState(StateAuthenticating)

			case EventConnectFailed:
				c.logger.Warn("connection failed", "error", &TransportError{Op: "connect", Err: ev.Err})
				return outcomeRetry, nil

			case EventAuthenticated:
				c.setState(StateSessionEstablishing)

			case EventAuthFailed:
				return outcomeFatal, &AuthError{Err: ev.Err}

			case EventSessionReady:
				c.setState(StateJoiningRoom)
				room := c.cfg.Room()
				c.logger.Info("joining room", "room", room, "nickname", c.nickname, "history", c.cfg.History)
				if err := c.transport.JoinRoom(ctx, room, c.nickname, c.cfg.History); err != nil {
					c.logger.Warn("room join failed", "error", &RoomJoinError{Room: room, Err: err})
					return outcomeRetry, nil
				}

			case EventJoined:
				c.setState(StateActive)
				*attempts = 0
				policy.Reset()
				c.monitor.markActivity()
				c.signalReady(nil)
				c.logger.Info("session active", "room", c.cfg.Room())

			case EventJoinFailed:
				c.logger.Warn("room join failed", "error", &RoomJoinError{Room: c.cfg.Room(), Err: ev.Err})
				return outcomeRetry, nil

			case EventDisconnected:
				if c.State() == StateActive {
					c.logger.Warn("disconnected from server", "error", ev.Err)
				}
				return outcomeRetry, nil
			}
		}
	}
}

// onEnvelope is the transport's message callback: parse, then hand off
// to the delivery queue. Runs on the transport's goroutine, so it must
// never block; the queue guarantees that.
func (c *Client) onEnvelope(env Envelope) {
	c.monitor.markActivity()
	if c.State() != StateActive {
		c.logger.Debug("dropping message outside active session", "state", c.State().String())
		return
	}
	b, err := c.parser.Parse(env)
	if err != nil {
		c.logger.Warn("message parsing failed", "error", err, "subject", env.Subject)
		return
	}
	c.queue.enqueue(b)
}
