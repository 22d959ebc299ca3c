package push

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/wire"
)

// fakePusher hands back a scripted response (or error) and records every
// batch it was sent, so tests can assert on what actually went over the
// wire after coalescing.
type fakePusher struct {
	respond func(ops []wire.Operation) (*wire.PushResponse, error)
	calls   [][]wire.Operation
}

func (f *fakePusher) Push(_ context.Context, ops []wire.Operation) (*wire.PushResponse, error) {
	f.calls = append(f.calls, ops)
	return f.respond(ops)
}

func acceptAll(ops []wire.Operation) (*wire.PushResponse, error) {
	results := make([]wire.OpResult, len(ops))
	for i, op := range ops {
		v := int64(1)
		sid := int64(i + 1)
		results[i] = wire.OpResult{OperationID: op.ID, Status: wire.ResultSuccess, SyncID: &sid, NewVersion: &v}
	}
	return &wire.PushResponse{Results: results}, nil
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

func TestRunSendsNothingWhenOutboxIsEmpty(t *testing.T) {
	db := newTestDB(t)
	pusher := &fakePusher{respond: acceptAll}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Sent != 0 || len(pusher.calls) != 0 {
		t.Fatalf("result = %+v, calls = %d, want a no-op", result, len(pusher.calls))
	}
}

func TestRunSendsOneCreateAndMarksSynced(t *testing.T) {
	db := newTestDB(t)
	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	pusher := &fakePusher{respond: acceptAll}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Sent != 1 || result.Succeeded != 1 {
		t.Fatalf("result = %+v, want one sent and succeeded", result)
	}
	if len(pusher.calls) != 1 || len(pusher.calls[0]) != 1 {
		t.Fatalf("calls = %+v, want a single batch of one op", pusher.calls)
	}
	if pusher.calls[0][0].EntityID != order.ID {
		t.Fatalf("sent entity id = %q, want %q", pusher.calls[0][0].EntityID, order.ID)
	}

	pending, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want none left after a successful push", pending)
	}
}

func TestRunCoalescesCreateThenUpdateIntoOneCreate(t *testing.T) {
	db := newTestDB(t)
	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(), Comment: "first",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := db.Orders().Update(order.ID, store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(), Comment: "revised",
	}); err != nil {
		t.Fatalf("update order: %v", err)
	}

	pusher := &fakePusher{respond: acceptAll}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("sent = %d, want 1 (coalesced create+update)", result.Sent)
	}
	sent := pusher.calls[0][0]
	if sent.OperationType != wire.OpCreate {
		t.Fatalf("op type = %v, want create", sent.OperationType)
	}
	if sent.Data["comment"] != "revised" {
		t.Fatalf("data = %+v, want the update's comment merged in", sent.Data)
	}
	if _, hasVersion := sent.Data["version"]; hasVersion {
		t.Fatalf("coalesced create carried a version field: %+v", sent.Data)
	}
}

func TestRunCancelsCreateThenDeleteWithoutNetworkCall(t *testing.T) {
	db := newTestDB(t)
	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := db.Orders().Delete(order.ID); err != nil {
		t.Fatalf("delete order: %v", err)
	}

	pusher := &fakePusher{respond: acceptAll}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Cancelled != 1 || result.Sent != 0 {
		t.Fatalf("result = %+v, want one cancelled pair and nothing sent", result)
	}
	if len(pusher.calls) != 0 {
		t.Fatalf("calls = %+v, want the cancelled pair to never reach the network", pusher.calls)
	}

	pending, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want both rows marked synced", pending)
	}
}

func TestRunIsIdempotentOnASecondCall(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pusher := &fakePusher{respond: acceptAll}
	eng := New(db, pusher, nil)

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.Sent != 0 {
		t.Fatalf("second run sent = %d, want 0 (nothing left pending)", result.Sent)
	}
	if len(pusher.calls) != 1 {
		t.Fatalf("calls = %d, want exactly one network round trip across both runs", len(pusher.calls))
	}
}

func TestRunMarksFailedOnTransportError(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pusher := &fakePusher{respond: func(ops []wire.Operation) (*wire.PushResponse, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("result = %+v, want one sent before the transport failure", result)
	}

	pending, err := db.GetPendingOperations(time.Now().UnixMilli() + int64(10*time.Minute/time.Millisecond))
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want the failed op still outstanding (scheduled for retry)", pending)
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1 after the first failure", pending[0].RetryCount)
	}
}

func TestRunAppliesServerWonFieldsOnUpdateConflict(t *testing.T) {
	db := newTestDB(t)
	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// Push the CREATE first so the UPDATE below is sent on its own rather
	// than coalesced into the CREATE.
	firstPusher := &fakePusher{respond: acceptAll}
	if _, err := New(db, firstPusher, nil).Run(context.Background()); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	if _, err := db.Orders().Update(order.ID, store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusConfirmed, DeliveryDate: order.DeliveryDate,
	}); err != nil {
		t.Fatalf("update order: %v", err)
	}

	pusher := &fakePusher{respond: func(ops []wire.Operation) (*wire.PushResponse, error) {
		newVersion := int64(3)
		results := make([]wire.OpResult, len(ops))
		for i, op := range ops {
			results[i] = wire.OpResult{
				OperationID: op.ID,
				Status:      wire.ResultConflict,
				NewVersion:  &newVersion,
				Conflicts: []wire.FieldConflict{
					{Field: "status", ClientValue: int64(domain.OrderStatusConfirmed), ServerValue: int64(domain.OrderStatusFulfilled), Winner: wire.WinnerServer},
				},
			}
		}
		return &wire.PushResponse{Results: results}, nil
	}}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("result = %+v, want one conflicted", result)
	}

	got, err := db.Orders().Get(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusFulfilled {
		t.Fatalf("status = %v, want the server-won value fulfilled", got.Status)
	}
	if got.Version != 3 {
		t.Fatalf("version = %d, want 3 (server's new_version)", got.Version)
	}

	pending, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want the conflicted op marked synced", pending)
	}
}

func TestRunRestoresEntityOnDeleteConflict(t *testing.T) {
	db := newTestDB(t)
	order, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := db.Orders().Update(order.ID, store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: order.DeliveryDate,
	}); err != nil {
		t.Fatalf("update order: %v", err)
	}
	firstPusher := &fakePusher{respond: acceptAll}
	if _, err := New(db, firstPusher, nil).Run(context.Background()); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	if err := db.Orders().Delete(order.ID); err != nil {
		t.Fatalf("delete order: %v", err)
	}

	pusher := &fakePusher{respond: func(ops []wire.Operation) (*wire.PushResponse, error) {
		newVersion := int64(5)
		msg := "order was modified after the client's delete"
		results := make([]wire.OpResult, len(ops))
		for i, op := range ops {
			results[i] = wire.OpResult{
				OperationID: op.ID,
				Status:      wire.ResultConflict,
				NewVersion:  &newVersion,
				Message:     &msg,
			}
		}
		return &wire.PushResponse{Results: results}, nil
	}}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("result = %+v, want one conflicted", result)
	}

	got, err := db.Orders().Get(order.ID)
	if err != nil {
		t.Fatalf("get restored order: %v", err)
	}
	if got.DeletedAt != nil {
		t.Fatalf("deleted_at = %v, want the order restored (not deleted)", got.DeletedAt)
	}
	if got.Version != 5 {
		t.Fatalf("version = %d, want 5 (server's new_version)", got.Version)
	}

	tail, err := db.GetOutboxTail(1)
	if err != nil {
		t.Fatalf("get outbox tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Status != store.OutboxRejected {
		t.Fatalf("tail = %+v, want the delete op rejected, not synced", tail)
	}
}

func TestRunMarksRejectedOnBusinessError(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Orders().Create(store.OrderFields{
		PartnerID: "partner-1", Status: domain.OrderStatusDraft, DeliveryDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pusher := &fakePusher{respond: func(ops []wire.Operation) (*wire.PushResponse, error) {
		msg := "partner does not exist"
		results := make([]wire.OpResult, len(ops))
		for i, op := range ops {
			results[i] = wire.OpResult{OperationID: op.ID, Status: wire.ResultError, Message: &msg}
		}
		return &wire.PushResponse{Results: results}, nil
	}}
	eng := New(db, pusher, nil)

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rejected != 1 {
		t.Fatalf("result = %+v, want one rejected", result)
	}

	pending, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want the rejected op to stop being retried", pending)
	}
}
