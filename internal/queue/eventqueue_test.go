package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEventQueue_SingleEventFlushesAfterDebounce(t *testing.T) {
	var mu sync.Mutex
	var flushed []*Event

	q := New(func(ctx context.Context, events []*Event) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, events...)
	})

	q.Enqueue(&Event{Type: "m.room.message", Body: "hello"})

	time.Sleep(debounceDelay + 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed event, got %d", len(flushed))
	}
	if flushed[0].Body != "hello" {
		t.Fatalf("unexpected body: %q", flushed[0].Body)
	}
}

func TestEventQueue_CoalescesAdjacentSameAuthorMessages(t *testing.T) {
	var mu sync.Mutex
	var batches [][]*Event

	q := New(func(ctx context.Context, events []*Event) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
	})

	q.Enqueue(&Event{Type: "m.room.message", MsgType: "m.text", UserID: "@irc_net_alice:example.org", Body: "one"})
	q.Enqueue(&Event{Type: "m.room.message", MsgType: "m.text", UserID: "@irc_net_alice:example.org", Body: "two"})

	time.Sleep(debounceDelay + 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if len(batches[0]) != 1 {
		t.Fatalf("expected coalescing into 1 event, got %d", len(batches[0]))
	}
	if batches[0][0].Body != "one\ntwo" {
		t.Fatalf("unexpected merged body: %q", batches[0][0].Body)
	}
}

func TestEventQueue_DoesNotCoalesceDifferentSenders(t *testing.T) {
	var mu sync.Mutex
	var batches [][]*Event

	q := New(func(ctx context.Context, events []*Event) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
	})

	q.Enqueue(&Event{Type: "m.room.message", UserID: "@irc_net_alice:example.org", Body: "hi"})
	q.Enqueue(&Event{Type: "m.room.message", UserID: "@irc_net_bob:example.org", Body: "hey"})

	time.Sleep(debounceDelay + 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 2 {
		t.Fatalf("expected 2 distinct events total, got %d across %d batches", total, len(batches))
	}
}

func TestEventQueue_NonCoalescingEventFlushesImmediatelyInOneBatch(t *testing.T) {
	var mu sync.Mutex
	var batches [][]*Event

	q := New(func(ctx context.Context, events []*Event) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
	})

	q.Enqueue(&Event{Type: "m.room.message", UserID: "@irc_net_alice:example.org", Body: "hi"})
	q.Enqueue(&Event{Type: "m.room.message", UserID: "@irc_net_bob:example.org", Body: "hey"})

	// No sleep: per §4.B, a non-coalescing event force-flushes the still-open
	// buffer by resetting t_start to zero, so both events are delivered in a
	// single batch synchronously within Enqueue, not after the debounce timer.
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch flushed synchronously, got %d", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Fatalf("expected both events in the same batch, got %d", len(batches[0]))
	}
}

func TestEventQueue_ForceFlush(t *testing.T) {
	var mu sync.Mutex
	flushed := false

	q := New(func(ctx context.Context, events []*Event) {
		mu.Lock()
		defer mu.Unlock()
		flushed = true
	})

	q.Enqueue(&Event{Type: "m.room.message", Body: "hi"})
	q.Flush()

	mu.Lock()
	defer mu.Unlock()
	if !flushed {
		t.Fatal("expected Flush to deliver the pending event immediately")
	}
}
