package pull

import (
	"context"
	"testing"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/wire"
)

// fakePuller serves scripted snapshot and pull pages so the engine can be
// exercised without a real syncd.
type fakePuller struct {
	snapshot wire.SnapshotResponse
	pages    [][]wire.LogEntry
	page     int
}

func (f *fakePuller) GetSnapshot(_ context.Context) (*wire.SnapshotResponse, error) {
	return &f.snapshot, nil
}

func (f *fakePuller) Pull(_ context.Context, since int64, limit int) (*wire.PullResponse, error) {
	if f.page >= len(f.pages) {
		return &wire.PullResponse{}, nil
	}
	ops := f.pages[f.page]
	f.page++
	return &wire.PullResponse{Operations: ops, HasMore: f.page < len(f.pages)}, nil
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunBootstrapsFromSnapshotWhenAbsent(t *testing.T) {
	db := newTestDB(t)
	client := &fakePuller{snapshot: wire.SnapshotResponse{
		Partners: []wire.SnapshotPartner{{ID: "partner-1", Name: "Acme"}},
	}}
	eng := New(db, client, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.SnapshotBootstrapped {
		t.Fatalf("result = %+v, want snapshot bootstrapped", result)
	}

	partners, err := db.ListPartners()
	if err != nil {
		t.Fatalf("list partners: %v", err)
	}
	if len(partners) != 1 || partners[0].Name != "Acme" {
		t.Fatalf("partners = %+v", partners)
	}

	has, err := db.HasSnapshot()
	if err != nil || !has {
		t.Fatalf("has_snapshot = %v, %v, want true", has, err)
	}
}

func TestRunDoesNotReBootstrapOnceSnapshotExists(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetLastSnapshotAt("2026-07-01T00:00:00Z"); err != nil {
		t.Fatalf("seed snapshot marker: %v", err)
	}
	client := &fakePuller{}
	eng := New(db, client, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SnapshotBootstrapped {
		t.Fatalf("result = %+v, want no re-bootstrap", result)
	}
}

func TestRunAppliesCreateThenUpdateAcrossPages(t *testing.T) {
	db := newTestDB(t)
	db.SetLastSnapshotAt("2026-07-01T00:00:00Z")

	client := &fakePuller{pages: [][]wire.LogEntry{
		{{
			SyncID: 1, EntityType: "order", EntityID: "order-1", OperationType: wire.OpCreate,
			Data: map[string]any{
				"partner_id": "partner-1", "status": int64(0), "delivery_date": "2026-08-01T00:00:00Z", "comment": "initial",
			},
			Version: 1, Timestamp: "2026-07-30T00:00:00Z",
		}},
		{{
			SyncID: 2, EntityType: "order", EntityID: "order-1", OperationType: wire.OpUpdate,
			Data: map[string]any{"comment": "revised"}, Version: 2, Timestamp: "2026-07-30T00:01:00Z",
		}},
	}}
	eng := New(db, client, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("applied = %d, want 2", result.Applied)
	}

	order, err := db.Orders().Get("order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Comment != "revised" || order.Version != 2 {
		t.Fatalf("order = %+v, want comment=revised version=2", order)
	}

	cursor, ok, err := db.LastSyncID()
	if err != nil || !ok || cursor != 2 {
		t.Fatalf("cursor = %d, %v, %v, want 2", cursor, ok, err)
	}
}

func TestRunRebasesLocalPendingUpdateOverServerUpdate(t *testing.T) {
	db := newTestDB(t)
	db.SetLastSnapshotAt("2026-07-01T00:00:00Z")

	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(), Comment: "local",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := db.Orders().Update(order.ID, store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusConfirmed, DeliveryDate: order.DeliveryDate, Comment: "local",
	}); err != nil {
		t.Fatalf("update order: %v", err)
	}

	before, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending before: %v", err)
	}
	beforeIDs := make(map[string]bool, len(before))
	for _, op := range before {
		beforeIDs[op.ID] = true
	}

	client := &fakePuller{pages: [][]wire.LogEntry{
		{{
			SyncID: 10, EntityType: "order", EntityID: order.ID, OperationType: wire.OpUpdate,
			Data: map[string]any{"comment": "remote"}, Version: 5, Timestamp: "2026-07-30T00:05:00Z",
		}},
	}}
	eng := New(db, client, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rebased != 1 {
		t.Fatalf("result = %+v, want one rebase", result)
	}

	current, err := db.Orders().Get(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if current.Status != domain.OrderStatusConfirmed {
		t.Fatalf("status = %v, want local pending status re-applied", current.Status)
	}
	if current.Comment != "remote" {
		t.Fatalf("comment = %q, want the server's value", current.Comment)
	}

	after, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("pending count changed across rebase: before=%d after=%d", len(before), len(after))
	}
	for _, op := range after {
		if !beforeIDs[op.ID] {
			t.Fatalf("rebase introduced an outbox row that wasn't there before: %+v", op)
		}
	}
}

func TestRunStopsOnEmptyPageRegardlessOfHasMore(t *testing.T) {
	db := newTestDB(t)
	db.SetLastSnapshotAt("2026-07-01T00:00:00Z")

	// Two pages queued, but the first is empty — Pull reports has_more=true
	// for it (page 1 of 2 remains), yet Run must still stop without
	// fetching the second page.
	client := &fakePuller{pages: [][]wire.LogEntry{
		{},
		{{SyncID: 1, EntityType: "order", EntityID: "order-x", OperationType: wire.OpCreate, Data: map[string]any{}, Version: 1}},
	}}
	eng := New(db, client, nil)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.page != 1 {
		t.Fatalf("page = %d, want exactly one fetch before stopping on an empty page", client.page)
	}
}
