package store

import (
	"testing"

	"github.com/marcus/ordersync/internal/wire"
)

func TestApplySnapshotPopulatesReferenceAndEntityTables(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	snap := wire.SnapshotResponse{
		Partners: []wire.SnapshotPartner{{ID: "partner-1", Name: "Acme"}},
		Products: []wire.SnapshotProduct{{ID: "product-1", Name: "Widget", SKU: "WID-1", Price: 1.5}},
		Units:    []wire.SnapshotUnit{{ID: "unit-1", Name: "Each", Abbreviation: "ea"}},
		Orders: []wire.SnapshotOrder{
			{ID: "order-1", PartnerID: "partner-1", Status: 0, DeliveryDate: "2026-08-03T00:00:00Z", Comment: "seeded"},
		},
		OrderLines: []wire.SnapshotOrderLine{
			{ID: "line-1", OrderID: "order-1", ProductID: "product-1", UnitID: "unit-1", Quantity: 2, Price: 1.5},
		},
	}

	if err := db.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	partners, err := db.ListPartners()
	if err != nil {
		t.Fatalf("ListPartners failed: %v", err)
	}
	if len(partners) != 1 || partners[0].Name != "Acme" {
		t.Errorf("partners = %+v, want one partner named Acme", partners)
	}

	products, err := db.ListProducts()
	if err != nil {
		t.Fatalf("ListProducts failed: %v", err)
	}
	if len(products) != 1 || products[0].SKU != "WID-1" {
		t.Errorf("products = %+v, want one product with SKU WID-1", products)
	}

	units, err := db.ListUnits()
	if err != nil {
		t.Fatalf("ListUnits failed: %v", err)
	}
	if len(units) != 1 || units[0].Abbreviation != "ea" {
		t.Errorf("units = %+v, want one unit abbreviated ea", units)
	}

	order, err := db.Orders().Get("order-1")
	if err != nil {
		t.Fatalf("Orders().Get failed: %v", err)
	}
	if order.Version != 1 || order.Comment != "seeded" {
		t.Errorf("order = %+v, want Version=1 Comment=seeded", order)
	}

	lines, err := db.OrderLines().ListByOrder("order-1")
	if err != nil {
		t.Fatalf("ListByOrder failed: %v", err)
	}
	if len(lines) != 1 || lines[0].Quantity != 2 {
		t.Errorf("lines = %+v, want one line with Quantity=2", lines)
	}

	// Applying the same snapshot again must not duplicate rows or fail the
	// unique constraint (the ON CONFLICT upsert is idempotent).
	if err := db.ApplySnapshot(snap); err != nil {
		t.Fatalf("second ApplySnapshot failed: %v", err)
	}
	partners2, err := db.ListPartners()
	if err != nil {
		t.Fatalf("ListPartners failed: %v", err)
	}
	if len(partners2) != 1 {
		t.Errorf("partners after re-apply = %d, want 1", len(partners2))
	}
}
