package store

import (
	"testing"
	"time"
)

func TestOrderLineCreateUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	o, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()})
	if err != nil {
		t.Fatalf("Create order failed: %v", err)
	}

	line, err := db.OrderLines().Create(OrderLineFields{
		OrderID: o.ID, ProductID: "prod-1", UnitID: "unit-1", Quantity: 3, Price: 4.25,
	})
	if err != nil {
		t.Fatalf("Create line failed: %v", err)
	}
	if line.Version != 1 {
		t.Errorf("Version = %d, want 1", line.Version)
	}

	updated, err := db.OrderLines().Update(line.ID, OrderLineFields{
		OrderID: o.ID, ProductID: "prod-1", UnitID: "unit-1", Quantity: 5, Price: 4.25,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Quantity != 5 || updated.Version != 2 {
		t.Errorf("updated = %+v, want Quantity=5 Version=2", updated)
	}

	if err := db.OrderLines().Delete(line.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	lines, err := db.OrderLines().ListByOrder(o.ID)
	if err != nil {
		t.Fatalf("ListByOrder failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("ListByOrder after delete = %d, want 0", len(lines))
	}
}

func TestOrderLineDeleteDoesNotCascade(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	o, err := db.Orders().Create(OrderFields{PartnerID: "p1", DeliveryDate: time.Now()})
	if err != nil {
		t.Fatalf("Create order failed: %v", err)
	}
	if _, err := db.OrderLines().Create(OrderLineFields{OrderID: o.ID, ProductID: "prod-1", UnitID: "unit-1"}); err != nil {
		t.Fatalf("Create line failed: %v", err)
	}

	lines, err := db.OrderLines().ListByOrder(o.ID)
	if err != nil {
		t.Fatalf("ListByOrder failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}

	if err := db.OrderLines().Delete(lines[0].ID); err != nil {
		t.Fatalf("Delete line failed: %v", err)
	}

	// The parent order itself must be unaffected by deleting one of its lines.
	if _, err := db.Orders().Get(o.ID); err != nil {
		t.Errorf("Get order after line delete failed: %v", err)
	}
}
