package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/marcus/ordersync/internal/wire"
)

const defaultPullLimit = 100

// handleSyncPush resolves each pushed operation against the authoritative
// tables inside its own transaction. A BusinessError on one operation (a
// conflict, or a malformed entity type) never aborts the rest of the batch —
// each operation gets its own commit and its own OpResult.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	var req wire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid push request body")
		return
	}

	results := make([]wire.OpResult, 0, len(req.Operations))
	var applied, conflicted int64
	for _, op := range req.Operations {
		result, err := s.applyOne(op)
		if err != nil {
			logFor(r.Context()).Error("resolve push operation", "err", err, "op_id", op.ID)
			msg := "internal error resolving operation"
			result = wire.OpResult{OperationID: op.ID, Status: wire.ResultError, Message: &msg}
		}
		switch result.Status {
		case wire.ResultSuccess:
			applied++
		case wire.ResultConflict:
			conflicted++
		}
		results = append(results, result)
	}
	s.metrics.RecordOpsApplied(applied)
	s.metrics.RecordOpsConflicted(conflicted)

	for _, result := range results {
		if result.Status != wire.ResultError && result.SyncID != nil {
			s.broadcaster.Publish(wire.SSEEvent{Event: "sync", SyncID: *result.SyncID})
		}
	}

	writeJSON(w, http.StatusOK, wire.PushResponse{Results: results})
}

func (s *Server) applyOne(op wire.Operation) (wire.OpResult, error) {
	tx, err := s.store.conn.Begin()
	if err != nil {
		return wire.OpResult{}, fmt.Errorf("begin tx: %w", err)
	}
	result, err := s.store.Resolve(tx, op)
	if err != nil {
		tx.Rollback()
		return wire.OpResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return wire.OpResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

// handleSyncPull returns change log entries strictly after ?since, capped at
// ?limit (default 100), with has_more set when more entries remain.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordPullRequest()

	since, err := parseInt64Query(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since parameter")
		return
	}
	limit, err := parseInt64Query(r, "limit", defaultPullLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit parameter")
		return
	}

	entries, hasMore, err := s.store.PullSince(since, int(limit))
	if err != nil {
		logFor(r.Context()).Error("pull since", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read change log")
		return
	}

	writeJSON(w, http.StatusOK, wire.PullResponse{Operations: entries, HasMore: hasMore})
}

// handleSyncSnapshot returns the full current state of all reference and
// entity collections, for a client bootstrapping from empty.
func (s *Server) handleSyncSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.BuildSnapshot()
	if err != nil {
		logFor(r.Context()).Error("build snapshot", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSyncEvents upgrades the connection to an SSE stream of change-log
// notifications, so orderctl's orchestrator can pull promptly instead of
// waiting out its periodic timer.
func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordSSEConnect()
	s.broadcaster.ServeHTTP(w, r, s.config.PingInterval)
}

func (s *Server) handlePartners(w http.ResponseWriter, r *http.Request) {
	partners, err := s.store.ListPartners()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list partners")
		return
	}
	writeJSON(w, http.StatusOK, partners)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list products")
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.store.ListUnits()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list units")
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.broadcaster.ClientCount()))
}

func parseInt64Query(r *http.Request, key string, fallback int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
