// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives bulletins pushed by the client. A handler that
// returns an error (or panics) is logged and isolated: it never
// affects other handlers or the pull queue.
type Handler func(*Bulletin) error

// Subscription identifies a registered handler for later removal.
type Subscription int64

// deliveryQueue is the single broadcast point of the client: every
// accepted bulletin is handed to all registered subscribers and
// appended to a bounded pull buffer. When the buffer is full the
// oldest bulletin is evicted (drop-oldest) so the transport's event
// callback never blocks behind a slow pull consumer.
//
// The queue is internally synchronized; enqueue, dequeue, and
// subscriber add/remove may interleave freely across goroutines.
type deliveryQueue struct {
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	items   []*Bulletin
	closed  bool
	wake    chan struct{} // closed and replaced on every enqueue/close
	subs    map[Subscription]Handler
	nextSub Subscription
}

func newDeliveryQueue(capacity int, logger *slog.Logger) *deliveryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &deliveryQueue{
		logger:   logger,
		capacity: capacity,
		wake:     make(chan struct{}),
		subs:     make(map[Subscription]Handler),
	}
}

// enqueue delivers a bulletin to every subscriber and appends it to
// the pull buffer, evicting the oldest entry when at capacity. It
// never blocks.
func (q *deliveryQueue) enqueue(b *Bulletin) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(q.subs))
	for _, h := range q.subs {
		handlers = append(handlers, h)
	}
	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.logger.Warn("pull buffer full, dropping oldest bulletin",
			"dropped_id", dropped.ID, "capacity", q.capacity)
	}
	q.items = append(q.items, b)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	// Handlers run outside the lock so they may subscribe, unsubscribe,
	// or dequeue without deadlocking.
	for _, h := range handlers {
		q.deliver(h, b)
	}
}

func (q *deliveryQueue) deliver(h Handler, b *Bulletin) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("subscriber panicked", "bulletin_id", b.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := h(b); err != nil {
		q.logger.Warn("subscriber failed", "bulletin_id", b.ID, "error", err)
	}
}

// dequeue returns the next buffered bulletin, blocking until one is
// available, the context is done, or the queue is closed. A closed
// queue ends the sequence immediately with ErrSessionEnded, even if
// bulletins remain buffered.
func (q *deliveryQueue) dequeue(ctx context.Context) (*Bulletin, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrSessionEnded
		}
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// closeQueue releases every blocked dequeue with an end-of-sequence
// signal. Safe to call more than once.
func (q *deliveryQueue) closeQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *deliveryQueue) subscribe(h Handler) Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	id := q.nextSub
	q.subs[id] = h
	return id
}

func (q *deliveryQueue) unsubscribe(id Subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subs, id)
}

func (q *deliveryQueue) subscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *deliveryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *deliveryQueue) isEmpty() bool { return q.depth() == 0 }

func (q *deliveryQueue) isFull() bool { return q.depth() >= q.capacity }
