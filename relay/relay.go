// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package relay republishes received bulletins to an AMQP exchange so
// downstream consumers can subscribe by routing-key pattern instead of
// holding their own NWWS-OI credentials.
package relay

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/peakwx/nwws"
)

const (
	defaultExchange = "wx.products"
	defaultPrefix   = "nwws.post"
	maxRecoverDelay = 16 * time.Second
	heartbeat       = 60 * time.Second
)

// Config carries the broker settings for a Relay.
type Config struct {
	// URL is the broker address (amqp:// or amqps://).
	URL string
	// Exchange is the topic exchange bulletins are published to
	// (default "wx.products"). Declared durable on connect.
	Exchange string
	// Prefix is the leading segment of every routing key
	// (default "nwws.post").
	Prefix string
}

// Relay maintains a recovering AMQP connection and publishes bulletins
// to a topic exchange. Publishes while the broker is unreachable are
// dropped with a logged warning; the feed itself is the system of
// record.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	ready bool

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// New starts a relay against the given broker. The connection is
// established (and re-established after failures) in the background;
// Close releases it.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay: broker URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	r := &Relay{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Handler adapts the relay into a push subscriber for
// nwws.Client.Subscribe.
func (r *Relay) Handler() nwws.Handler {
	return r.Publish
}

// Publish sends one bulletin to the exchange. Returns an error when
// the broker is unreachable or the publish fails; callers registered
// through Subscribe get the error logged and isolated by the client.
func (r *Relay) Publish(b *nwws.Bulletin) error {
	r.mu.Lock()
	ch, ready := r.ch, r.ready
	r.mu.Unlock()
	if !ready {
		return fmt.Errorf("relay: broker unavailable, dropping %s", b.ID)
	}

	headers := amqp.Table{
		"cccc":   b.CCCC,
		"ttaaii": b.TTAAII,
	}
	if b.AWIPSID != "" {
		headers["awipsid"] = b.AWIPSID
	}
	if b.Delayed {
		headers["delay_ms"] = b.Delay.Milliseconds()
	}

	return ch.Publish(
		r.cfg.Exchange,              // exchange
		RoutingKey(r.cfg.Prefix, b), // routing key
		false,                       // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType: "text/plain",
			MessageId:   b.ID,
			Timestamp:   b.IssuedAt,
			Type:        b.TTAAII,
			Headers:     headers,
			Body:        []byte(b.Body),
		},
	)
}

// RoutingKey builds the dotted topic key for a bulletin:
// <prefix>.<cccc>.<ttaaii>[.<awipsid>], lowercased so bindings match
// regardless of upstream casing.
func RoutingKey(prefix string, b *nwws.Bulletin) string {
	parts := []string{prefix, strings.ToLower(b.CCCC), strings.ToLower(b.TTAAII)}
	if b.AWIPSID != "" {
		parts = append(parts, strings.ToLower(b.AWIPSID))
	}
	return strings.Join(parts, ".")
}

// Close tears down the broker connection and stops the recovery loop.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.exited
}

// run provisions the connection and channel, then watches for closure
// and re-provisions after an exponential backoff delay.
func (r *Relay) run() {
	defer close(r.exited)

	delay := backoff.NewExponentialBackOff()
	delay.MaxInterval = maxRecoverDelay
	delay.MaxElapsedTime = 0
	delay.Reset()

	for {
		closed, err := r.provision()
		if err == nil {
			delay.Reset()
			select {
			case <-r.done:
				r.teardown()
				return
			case brokerErr := <-closed:
				r.logger.Warn("broker connection lost", "error", brokerErr)
				r.teardown()
			}
		} else {
			r.logger.Warn("broker provisioning failed", "error", err)
			r.teardown()
		}

		wait := delay.NextBackOff()
		r.logger.Info("waiting before broker reconnect", "delay", wait)
		select {
		case <-r.done:
			return
		case <-time.After(wait):
		}
	}
}

// provision connects, opens a channel, and declares the exchange. On
// success it returns the connection's closure notification channel.
func (r *Relay) provision() (<-chan *amqp.Error, error) {
	conn, err := amqp.DialConfig(r.cfg.URL, amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		r.cfg.Exchange, // name
		"topic",        // kind
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no wait
		nil,            // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", r.cfg.Exchange, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	r.mu.Lock()
	r.conn, r.ch, r.ready = conn, ch, true
	r.mu.Unlock()

	r.logger.Info("relay connected", "exchange", r.cfg.Exchange)
	return closed, nil
}

func (r *Relay) teardown() {
	r.mu.Lock()
	conn := r.conn
	r.conn, r.ch, r.ready = nil, nil, false
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
