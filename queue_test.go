// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBulletin(id string) *Bulletin {
	return &Bulletin{ID: id, TTAAII: "NOUS41", CCCC: "KOKX"}
}

func TestQueueDropOldest(t *testing.T) {
	q := newDeliveryQueue(2, discardLogger())
	q.enqueue(testBulletin("B1"))
	q.enqueue(testBulletin("B2"))
	q.enqueue(testBulletin("B3"))

	if depth := q.depth(); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
	first, err := q.dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	second, err := q.dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if first.ID != "B2" || second.ID != "B3" {
		t.Errorf("queue held [%s %s], want [B2 B3]", first.ID, second.ID)
	}
}

func TestQueueCapacityInvariant(t *testing.T) {
	const capacity = 8
	const overflow = 5
	q := newDeliveryQueue(capacity, discardLogger())

	for i := 0; i < capacity+overflow; i++ {
		q.enqueue(testBulletin(fmt.Sprintf("B%02d", i)))
		if depth := q.depth(); depth > capacity {
			t.Fatalf("depth %d exceeds capacity %d", depth, capacity)
		}
	}
	if !q.isFull() {
		t.Error("queue should report full")
	}

	// Exactly the last `capacity` bulletins remain, in order.
	for i := overflow; i < capacity+overflow; i++ {
		b, err := q.dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if want := fmt.Sprintf("B%02d", i); b.ID != want {
			t.Errorf("dequeued %s, want %s", b.ID, want)
		}
	}
	if !q.isEmpty() {
		t.Error("queue should report empty")
	}
}

func TestQueueSubscriberAndPullOrdering(t *testing.T) {
	q := newDeliveryQueue(16, discardLogger())

	var pushed []string
	q.subscribe(func(b *Bulletin) error {
		pushed = append(pushed, b.ID)
		return nil
	})

	const n = 10
	for i := 0; i < n; i++ {
		q.enqueue(testBulletin(fmt.Sprintf("B%d", i)))
	}

	var pulled []string
	for i := 0; i < n; i++ {
		b, err := q.dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		pulled = append(pulled, b.ID)
	}

	if len(pushed) != n {
		t.Fatalf("subscriber saw %d bulletins, want %d", len(pushed), n)
	}
	for i := range pushed {
		if pushed[i] != pulled[i] {
			t.Fatalf("order diverged at %d: pushed %s, pulled %s", i, pushed[i], pulled[i])
		}
	}
}

func TestQueueSubscriberIsolation(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())

	var sawError, sawPanic, healthy int
	q.subscribe(func(*Bulletin) error {
		sawError++
		return errors.New("handler burst")
	})
	q.subscribe(func(*Bulletin) error {
		sawPanic++
		panic("handler exploded")
	})
	q.subscribe(func(*Bulletin) error {
		healthy++
		return nil
	})

	q.enqueue(testBulletin("B1"))
	q.enqueue(testBulletin("B2"))

	if sawError != 2 || sawPanic != 2 || healthy != 2 {
		t.Errorf("handler calls = %d/%d/%d, want 2/2/2", sawError, sawPanic, healthy)
	}
	if depth := q.depth(); depth != 2 {
		t.Errorf("pull buffer depth = %d, want 2 despite failing handlers", depth)
	}
}

func TestQueueSubscribeUnsubscribe(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())

	var calls int
	id := q.subscribe(func(*Bulletin) error {
		calls++
		return nil
	})
	if q.subscriberCount() != 1 {
		t.Fatalf("subscriberCount = %d, want 1", q.subscriberCount())
	}

	q.enqueue(testBulletin("B1"))
	q.unsubscribe(id)
	if q.subscriberCount() != 0 {
		t.Fatalf("subscriberCount = %d, want 0", q.subscriberCount())
	}
	q.enqueue(testBulletin("B2"))

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestQueueHandlerMayUnsubscribeItself(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())

	var id Subscription
	var calls int
	id = q.subscribe(func(*Bulletin) error {
		calls++
		q.unsubscribe(id)
		return nil
	})

	q.enqueue(testBulletin("B1"))
	q.enqueue(testBulletin("B2"))
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())

	got := make(chan *Bulletin, 1)
	go func() {
		b, err := q.dequeue(context.Background())
		if err != nil {
			t.Errorf("dequeue failed: %v", err)
		}
		got <- b
	}()

	// Give the consumer a moment to block, then deliver.
	time.Sleep(10 * time.Millisecond)
	q.enqueue(testBulletin("B1"))

	select {
	case b := <-got:
		if b.ID != "B1" {
			t.Errorf("dequeued %s, want B1", b.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe the enqueued bulletin")
	}
}

func TestQueueCloseReleasesBlockedConsumers(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())

	const consumers = 3
	var wg sync.WaitGroup
	results := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.dequeue(context.Background())
			results <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.closeQueue()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked consumers were not released by close")
	}
	for i := 0; i < consumers; i++ {
		if err := <-results; !errors.Is(err, ErrSessionEnded) {
			t.Errorf("dequeue after close returned %v, want ErrSessionEnded", err)
		}
	}
}

func TestQueueDequeueContextCancel(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("dequeue returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe context cancellation")
	}
}

func TestQueueEndsImmediatelyOnCloseWithBufferedItems(t *testing.T) {
	q := newDeliveryQueue(4, discardLogger())
	q.enqueue(testBulletin("B1"))
	q.closeQueue()

	if _, err := q.dequeue(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("dequeue after close returned %v, want ErrSessionEnded", err)
	}
}

func TestQueueConcurrentEnqueueDequeue(t *testing.T) {
	q := newDeliveryQueue(64, discardLogger())
	const n = 500

	go func() {
		for i := 0; i < n; i++ {
			q.enqueue(testBulletin(fmt.Sprintf("B%d", i)))
		}
		q.closeQueue()
	}()

	seen := 0
	for {
		_, err := q.dequeue(context.Background())
		if err != nil {
			break
		}
		seen++
	}
	// Drop-oldest may discard under load; nothing may be duplicated or
	// delivered after close.
	if seen > n {
		t.Errorf("dequeued %d bulletins, more than the %d enqueued", seen, n)
	}
}
