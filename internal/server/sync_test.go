package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcus/ordersync/internal/config"
	"github.com/marcus/ordersync/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := newTestStore(t)
	cfg := config.ServerConfig{
		RateLimitPush:  100000,
		RateLimitPull:  100000,
		RateLimitOther: 100000,
	}
	return NewServer(cfg, store)
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleSyncPushAppliesCreate(t *testing.T) {
	srv := newTestServer(t)

	req := wire.PushRequest{Operations: []wire.Operation{{
		ID: "op-1", EntityType: "order", EntityID: "order-1", OperationType: wire.OpCreate,
		Data: map[string]any{
			"partner_id": "partner-1", "status": float64(0), "order_date": nil,
			"delivery_date": "2026-08-01", "comment": "",
		},
		Timestamp: "2026-07-30T00:00:00Z",
	}}}

	rec := doRequest(t, srv, http.MethodPost, "/v1/sync/push", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp wire.PushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != wire.ResultSuccess {
		t.Fatalf("results = %+v, want one success", resp.Results)
	}
}

func TestHandleSyncPushUnknownEntityDoesNotAbortBatch(t *testing.T) {
	srv := newTestServer(t)

	req := wire.PushRequest{Operations: []wire.Operation{
		{ID: "op-bad", EntityType: "widget", EntityID: "w-1", OperationType: wire.OpCreate, Data: map[string]any{}, Timestamp: "t"},
		{ID: "op-good", EntityType: "order", EntityID: "order-2", OperationType: wire.OpCreate, Data: map[string]any{
			"partner_id": "partner-1", "status": float64(0), "order_date": nil, "delivery_date": "2026-08-01", "comment": "",
		}, Timestamp: "2026-07-30T00:00:00Z"},
	}}

	rec := doRequest(t, srv, http.MethodPost, "/v1/sync/push", req)
	var resp wire.PushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v, want 2 entries", resp.Results)
	}
	if resp.Results[0].Status != wire.ResultError {
		t.Fatalf("bad entity result = %+v, want error", resp.Results[0])
	}
	if resp.Results[1].Status != wire.ResultSuccess {
		t.Fatalf("good entity result = %+v, want success", resp.Results[1])
	}
}

func TestHandleSyncPullReturnsHasMore(t *testing.T) {
	srv := newTestServer(t)

	ops := make([]wire.Operation, 0, 5)
	for i := 0; i < 5; i++ {
		id := "order-" + string(rune('a'+i))
		ops = append(ops, wire.Operation{
			ID: "op-" + id, EntityType: "order", EntityID: id, OperationType: wire.OpCreate,
			Data: map[string]any{
				"partner_id": "partner-1", "status": float64(0), "order_date": nil,
				"delivery_date": "2026-08-01", "comment": "",
			},
			Timestamp: "2026-07-30T00:00:00Z",
		})
	}
	doRequest(t, srv, http.MethodPost, "/v1/sync/push", wire.PushRequest{Operations: ops})

	rec := doRequest(t, srv, http.MethodGet, "/v1/sync/pull?since=0&limit=2", nil)
	var resp wire.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(resp.Operations))
	}
	if !resp.HasMore {
		t.Fatalf("has_more = false, want true with 5 entries and limit=2")
	}
}

func TestHandleSyncSnapshotReflectsSeededReference(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.store.SeedReference(wire.SnapshotResponse{
		Partners: []wire.SnapshotPartner{{ID: "partner-1", Name: "Acme"}},
		Units:    []wire.SnapshotUnit{{ID: "unit-1", Name: "Kilogram", Abbreviation: "kg"}},
	}); err != nil {
		t.Fatalf("seed reference: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/sync/snapshot", nil)
	var snap wire.SnapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Partners) != 1 || snap.Partners[0].Name != "Acme" {
		t.Fatalf("partners = %+v", snap.Partners)
	}
	if len(snap.Units) != 1 || snap.Units[0].Abbreviation != "kg" {
		t.Fatalf("units = %+v", snap.Units)
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
