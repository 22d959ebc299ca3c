package server

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	opsApplied    atomic.Int64
	opsConflicted atomic.Int64
	pullRequests  atomic.Int64
	sseConnects   atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	OpsApplied    int64   `json:"ops_applied"`
	OpsConflicted int64   `json:"ops_conflicted"`
	PullRequests  int64   `json:"pull_requests"`
	SSEConnects   int64   `json:"sse_connects"`
	SSEConnected  int     `json:"sse_connected"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordRequest()      { m.requests.Add(1) }
func (m *Metrics) RecordError()        { m.serverErrors.Add(1) }
func (m *Metrics) RecordClientError()  { m.clientErrors.Add(1) }
func (m *Metrics) RecordOpsApplied(n int64)    { m.opsApplied.Add(n) }
func (m *Metrics) RecordOpsConflicted(n int64) { m.opsConflicted.Add(n) }
func (m *Metrics) RecordPullRequest()  { m.pullRequests.Add(1) }
func (m *Metrics) RecordSSEConnect()   { m.sseConnects.Add(1) }

// Snapshot returns a point-in-time copy of the metrics. connected is the
// broadcaster's current client count, supplied by the caller since Metrics
// itself doesn't track live connections.
func (m *Metrics) Snapshot(connected int) MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		OpsApplied:    m.opsApplied.Load(),
		OpsConflicted: m.opsConflicted.Load(),
		PullRequests:  m.pullRequests.Load(),
		SSEConnects:   m.sseConnects.Load(),
		SSEConnected:  connected,
	}
}
