package orchestrator

import (
	"sync"
	"time"
)

// State is the orchestrator's current activity.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateError   State = "error"
)

// Connection is the orchestrator's belief about reachability of syncd.
type Connection string

const (
	ConnectionOnline  Connection = "online"
	ConnectionOffline Connection = "offline"
	ConnectionUnknown Connection = "unknown"
)

// Status is an immutable snapshot handed to subscribers. Every field change
// produces a new value; callers never mutate one in place.
type Status struct {
	State             State
	Connection        Connection
	LastPushTime      *time.Time
	LastError         string
	PendingOperations int
	PullSyncing       bool
}

// statusHub holds the current Status and fans out changes to subscribers,
// the observer pattern §4.6 asks for: "subscribers are notified whenever
// any field changes."
type statusHub struct {
	mu      sync.Mutex
	current Status
	subs    map[int]chan Status
	nextID  int
}

func newStatusHub() *statusHub {
	return &statusHub{
		current: Status{State: StateIdle, Connection: ConnectionUnknown},
		subs:    make(map[int]chan Status),
	}
}

// Snapshot returns the current status.
func (h *statusHub) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Subscribe registers a channel that receives every future status change.
// The returned func unsubscribes and closes the channel.
func (h *statusHub) Subscribe() (<-chan Status, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Status, 8)
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// update applies fn to a copy of the current status, stores the result,
// and notifies every subscriber. Non-blocking sends: a subscriber that
// isn't keeping up loses intermediate updates rather than stalling sync.
func (h *statusHub) update(fn func(*Status)) Status {
	h.mu.Lock()
	next := h.current
	fn(&next)
	h.current = next
	subs := make([]chan Status, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
	return next
}
