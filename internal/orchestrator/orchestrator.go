// Package orchestrator runs the background sync loop described in §4.6:
// a timer-driven push, an SSE-debounced pull, and a single FIFO queue that
// keeps the two from ever running concurrently.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/ordersync/internal/pull"
	"github.com/marcus/ordersync/internal/push"
	"github.com/marcus/ordersync/internal/sse"
	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/syncclient"
)

const (
	defaultPushInterval = 30 * time.Second
	defaultSSEDebounce  = 100 * time.Millisecond
)

// Orchestrator is the process-wide singleton coordinating push and pull.
// Callers obtain one with New, call Start once, and Stop when shutting
// down; a stopped Orchestrator cannot be restarted (construct a new one).
type Orchestrator struct {
	db     *store.DB
	client *syncclient.Client
	pusher *push.Engine
	puller *pull.Engine
	log    *slog.Logger

	pushInterval time.Duration
	sseDebounce  time.Duration

	status *statusHub
	queue  *taskQueue

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New wires an Orchestrator to its engines and client. pushInterval and
// sseDebounce default to §4.6's 30s / 100ms when zero.
func New(db *store.DB, client *syncclient.Client, log *slog.Logger, pushInterval, sseDebounce time.Duration) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if pushInterval <= 0 {
		pushInterval = defaultPushInterval
	}
	if sseDebounce <= 0 {
		sseDebounce = defaultSSEDebounce
	}
	return &Orchestrator{
		db:           db,
		client:       client,
		pusher:       push.New(db, client, log),
		puller:       pull.New(db, client, log),
		log:          log,
		pushInterval: pushInterval,
		sseDebounce:  sseDebounce,
		status:       newStatusHub(),
		queue:        newTaskQueue(),
	}
}

// Subscribe registers for status changes. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	return o.status.Subscribe()
}

// Snapshot returns the current status.
func (o *Orchestrator) Snapshot() Status {
	return o.status.Snapshot()
}

// Start begins the background loop: an initial snapshot-or-pull followed by
// an initial push, then the push timer and SSE subscription goroutines.
// Start must be called at most once per Orchestrator.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.queue.run(runCtx)
	}()

	o.enqueuePull("initial pull")
	o.enqueuePush("initial push")

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.runPushTimer(runCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.runEventStream(runCtx)
	}()

	return nil
}

// Stop aborts the timer, SSE connection, and drops the pending queue.
// Work already in flight is allowed to finish; Stop waits for every
// goroutine started by Start to return before returning itself.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped || o.cancel == nil {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.queue.stop()
	o.wg.Wait()
}

// runPushTimer fires a push every pushInterval while online and idle.
func (o *Orchestrator) runPushTimer(ctx context.Context) {
	ticker := time.NewTicker(o.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := o.status.Snapshot(); st.Connection == ConnectionOnline && st.State != StatePushing {
				o.enqueuePush("timer")
			}
		}
	}
}

// runEventStream holds the SSE connection open, debouncing bursts of
// server events into a single pull per quiet period, and reconnecting with
// backoff when the connection drops or the server is unreachable.
func (o *Orchestrator) runEventStream(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		stream, err := o.client.OpenEventStream(ctx)
		if err != nil {
			o.setConnection(ConnectionOffline)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		o.onReconnect(ctx)
		backoff = time.Second

		o.pumpEvents(ctx, stream)
		stream.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pumpEvents debounces SSE frames into pull triggers until the stream ends
// or the context is cancelled. A burst of N events arriving within
// sseDebounce collapses into exactly one pull, per §4.6.
func (o *Orchestrator) pumpEvents(ctx context.Context, stream *sse.Reader) {
	var timer *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(o.sseDebounce)
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(o.sseDebounce)
			}
			debounceC = timer.C
		case <-debounceC:
			debounceC = nil
			timer = nil
			o.enqueuePull("sse")
		}
	}
}

// onReconnect handles the offline→online transition: catch up with a push
// then a pull before resuming the SSE subscription, per §4.6. The very
// first connection (Unknown→Online) is covered by Start's own initial
// pull/push, so only a prior Offline state re-triggers the catch-up here.
func (o *Orchestrator) onReconnect(ctx context.Context) {
	wasOffline := o.status.Snapshot().Connection == ConnectionOffline
	o.setConnection(ConnectionOnline)
	if wasOffline {
		o.enqueuePush("reconnect")
		o.enqueuePull("reconnect")
	}
}

func (o *Orchestrator) setConnection(c Connection) {
	o.status.update(func(s *Status) { s.Connection = c })
}

func (o *Orchestrator) enqueuePush(reason string) {
	ok := o.queue.enqueue(func(ctx context.Context) {
		o.runPush(ctx)
	})
	if !ok {
		o.log.Warn("sync queue full, dropped push trigger", "reason", reason)
	}
}

func (o *Orchestrator) enqueuePull(reason string) {
	ok := o.queue.enqueue(func(ctx context.Context) {
		o.runPull(ctx)
	})
	if !ok {
		o.log.Warn("sync queue full, dropped pull trigger", "reason", reason)
	}
}

func (o *Orchestrator) runPush(ctx context.Context) {
	o.status.update(func(s *Status) { s.State = StatePushing })
	result, err := o.pusher.Run(ctx)
	o.status.update(func(s *Status) {
		s.State = StateIdle
		if err != nil {
			s.State = StateError
			s.LastError = err.Error()
			return
		}
		now := time.Now().UTC()
		s.LastPushTime = &now
		s.LastError = ""
	})
	if err != nil {
		o.log.Error("push failed", "err", err)
		return
	}
	o.log.Debug("push completed", "sent", result.Sent, "succeeded", result.Succeeded, "conflicted", result.Conflicted, "rejected", result.Rejected)
	o.refreshPendingCount()
}

func (o *Orchestrator) runPull(ctx context.Context) {
	o.status.update(func(s *Status) { s.State = StatePulling; s.PullSyncing = true })
	result, err := o.puller.Run(ctx)
	o.status.update(func(s *Status) {
		s.State = StateIdle
		s.PullSyncing = false
		if err != nil {
			s.State = StateError
			s.LastError = err.Error()
			return
		}
		s.LastError = ""
	})
	if err != nil {
		o.log.Error("pull failed", "err", err)
		return
	}
	o.log.Debug("pull completed", "applied", result.Applied, "rebased", result.Rebased, "bootstrapped", result.SnapshotBootstrapped)
}

func (o *Orchestrator) refreshPendingCount() {
	n, err := o.db.PendingCount()
	if err != nil {
		return
	}
	o.status.update(func(s *Status) { s.PendingOperations = n })
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
