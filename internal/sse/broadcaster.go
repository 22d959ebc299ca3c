// Package sse implements the Server-Sent Events channel used to notify
// orderctl clients that new change-log entries are available, so the
// orchestrator can pull promptly instead of waiting for its periodic timer.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Broadcaster fans out "sync" events to every connected SSE client. One
// Broadcaster is shared by the whole syncd process.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ch chan []byte
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[*client]struct{})}
}

// Publish marshals event and delivers it to every connected client. For a
// slow client the event is dropped rather than blocking the publisher — an
// event channel has a small buffer and a full channel means that client has
// fallen behind. The client itself stays registered.
func (b *Broadcaster) Publish(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.ch <- data:
		default:
			// Drop this event for this client only; it still receives
			// later events once its buffer has room.
		}
	}
	return nil
}

// ClientCount reports the number of currently connected streams, used by
// the health/metrics endpoints.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) register() *client {
	c := &client{ch: make(chan []byte, 16)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	close(c.ch)
}

// ServeHTTP streams events to a single client until the request context is
// canceled (client disconnect). eventID is a per-connection monotonic
// counter, not the server's sync_id. pingInterval governs the keepalive
// comment line that keeps idle proxies from closing the connection.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request, pingInterval time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := b.register()
	defer b.unregister(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	eventID := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			eventID++
			fmt.Fprintf(w, "event: sync\nid: %d\ndata: %s\n\n", eventID, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
