package store

import (
	"testing"
	"time"
)

func TestOutboxMarkSyncedRemovesFromPending(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	o, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ops, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	if ops[0].EntityID != o.ID {
		t.Errorf("op entity id = %s, want %s", ops[0].EntityID, o.ID)
	}

	if err := db.MarkSynced([]string{ops[0].ID}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	remaining, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("GetPendingOperations after sync failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("len(remaining) = %d, want 0", len(remaining))
	}

	count, err := db.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount = %d, want 0", count)
	}
}

func TestOutboxMarkFailedSchedulesBackoff(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ops, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	id := ops[0].ID

	if err := db.MarkFailed(id, "connection refused"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Immediately after one failure, next_retry_at is in the future, so the
	// op should not be eligible yet.
	notYet, err := db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(notYet) != 0 {
		t.Errorf("len(notYet) = %d, want 0 (backoff not elapsed)", len(notYet))
	}

	// Simulating time passing by querying with a timestamp far in the future.
	future := time.Now().Add(10 * time.Minute).UnixMilli()
	eligible, err := db.GetPendingOperations(future)
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("len(eligible) = %d, want 1", len(eligible))
	}
	if eligible[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", eligible[0].RetryCount)
	}
}

func TestOutboxMarkFailedExceedsMaxRetriesClearsNextRetry(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ops, _ := db.GetPendingOperations(time.Now().UnixMilli())
	id := ops[0].ID

	for i := 0; i <= MaxRetries; i++ {
		if err := db.MarkFailed(id, "boom"); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	far := time.Now().Add(24 * time.Hour).UnixMilli()
	eligible, err := db.GetPendingOperations(far)
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("len(eligible) = %d, want 0 (terminally failed op has no next_retry_at)", len(eligible))
	}
}

func TestOutboxGetTailOrdersByMostRecentFirst(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if _, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	tail, err := db.GetOutboxTail(2)
	if err != nil {
		t.Fatalf("GetOutboxTail failed: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("len(tail) = %d, want 2", len(tail))
	}
	if tail[0].SequenceNumber < tail[1].SequenceNumber {
		t.Errorf("tail not ordered most-recent-first: %d before %d", tail[0].SequenceNumber, tail[1].SequenceNumber)
	}
}
