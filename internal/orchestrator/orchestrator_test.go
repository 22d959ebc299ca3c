package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/ordersync/internal/sse"
)

func TestQueueStopDropsPendingTasksButFinishesInFlight(t *testing.T) {
	q := newTaskQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var ran int32

	go q.run(ctx)

	q.enqueue(func(ctx context.Context) {
		close(started)
		<-release
		atomic.AddInt32(&ran, 1)
	})

	<-started

	// Queue further tasks while the first is still in flight; they sit in
	// the buffered channel and must never run once stop is called.
	for i := 0; i < 5; i++ {
		q.enqueue(func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
		})
	}

	done := make(chan struct{})
	go func() {
		close(release)
		q.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Fatalf("ran = %d, want exactly 1 (in-flight task only, queued ones dropped)", got)
	}
}

func TestQueueEnqueueNeverBlocksWhenFull(t *testing.T) {
	q := newTaskQueue()
	// Fill the buffer without a runner draining it.
	full := false
	for i := 0; i < 1000; i++ {
		if !q.enqueue(func(ctx context.Context) {}) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected enqueue to eventually report the queue full instead of blocking")
	}
}

func TestStatusHubNotifiesSubscribersOnUpdate(t *testing.T) {
	hub := newStatusHub()
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.update(func(s *Status) { s.State = StatePushing })

	select {
	case got := <-ch:
		if got.State != StatePushing {
			t.Fatalf("state = %v, want pushing", got.State)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	if hub.Snapshot().State != StatePushing {
		t.Fatalf("snapshot state = %v, want pushing", hub.Snapshot().State)
	}
}

func TestPumpEventsCollapsesABurstIntoOnePull(t *testing.T) {
	o := &Orchestrator{
		log:         slog.Default(),
		sseDebounce: 20 * time.Millisecond,
		status:      newStatusHub(),
		queue:       newTaskQueue(),
	}

	stream := &sse.Reader{Events: make(chan []byte, 16)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		o.pumpEvents(ctx, stream)
		close(done)
	}()

	// A burst of five events arriving well within the debounce window.
	for i := 0; i < 5; i++ {
		stream.Events <- []byte("tick")
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if n := len(o.queue.tasks); n != 1 {
		t.Fatalf("queued pulls = %d, want exactly 1 for a debounced burst", n)
	}
}

func TestStatusHubUnsubscribeClosesChannel(t *testing.T) {
	hub := newStatusHub()
	ch, unsubscribe := hub.Subscribe()
	unsubscribe()

	hub.update(func(s *Status) { s.State = StateError })

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was never closed")
	}
}
