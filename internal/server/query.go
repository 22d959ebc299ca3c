package server

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/ordersync/internal/wire"
)

// PullSince returns change log entries with sync_id > since, ordered
// ascending, capped at limit, plus whether more entries remain beyond the
// returned page.
func (s *Store) PullSince(since int64, limit int) ([]wire.LogEntry, bool, error) {
	rows, err := s.conn.Query(
		`SELECT sync_id, entity_type, entity_id, op_type, data, new_version, timestamp FROM change_log WHERE sync_id > ? ORDER BY sync_id ASC LIMIT ?`,
		since, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var entries []wire.LogEntry
	for rows.Next() {
		var e wire.LogEntry
		var dataJSON string
		var opType string
		if err := rows.Scan(&e.SyncID, &e.EntityType, &e.EntityID, &opType, &dataJSON, &e.Version, &e.Timestamp); err != nil {
			return nil, false, fmt.Errorf("scan change log row: %w", err)
		}
		e.OperationType = wire.OpType(opType)
		if dataJSON != "" && dataJSON != "null" {
			if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
				return nil, false, fmt.Errorf("decode change log data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// BuildSnapshot reads the full current (non-deleted) state of every
// replicated collection, for a client bootstrapping from empty.
func (s *Store) BuildSnapshot() (wire.SnapshotResponse, error) {
	var snap wire.SnapshotResponse

	partnerRows, err := s.conn.Query(`SELECT id, name FROM partners ORDER BY name`)
	if err != nil {
		return snap, fmt.Errorf("query partners: %w", err)
	}
	defer partnerRows.Close()
	for partnerRows.Next() {
		var p wire.SnapshotPartner
		if err := partnerRows.Scan(&p.ID, &p.Name); err != nil {
			return snap, fmt.Errorf("scan partner: %w", err)
		}
		snap.Partners = append(snap.Partners, p)
	}
	if err := partnerRows.Err(); err != nil {
		return snap, err
	}

	productRows, err := s.conn.Query(`SELECT id, name, sku, price FROM products ORDER BY name`)
	if err != nil {
		return snap, fmt.Errorf("query products: %w", err)
	}
	defer productRows.Close()
	for productRows.Next() {
		var p wire.SnapshotProduct
		if err := productRows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price); err != nil {
			return snap, fmt.Errorf("scan product: %w", err)
		}
		snap.Products = append(snap.Products, p)
	}
	if err := productRows.Err(); err != nil {
		return snap, err
	}

	unitRows, err := s.conn.Query(`SELECT id, name, abbreviation FROM units ORDER BY name`)
	if err != nil {
		return snap, fmt.Errorf("query units: %w", err)
	}
	defer unitRows.Close()
	for unitRows.Next() {
		var u wire.SnapshotUnit
		if err := unitRows.Scan(&u.ID, &u.Name, &u.Abbreviation); err != nil {
			return snap, fmt.Errorf("scan unit: %w", err)
		}
		snap.Units = append(snap.Units, u)
	}
	if err := unitRows.Err(); err != nil {
		return snap, err
	}

	orderRows, err := s.conn.Query(`SELECT id, partner_id, status, order_date, delivery_date, comment FROM orders WHERE deleted_at IS NULL ORDER BY delivery_date`)
	if err != nil {
		return snap, fmt.Errorf("query orders: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		var o wire.SnapshotOrder
		var orderDate sql.NullString
		if err := orderRows.Scan(&o.ID, &o.PartnerID, &o.Status, &orderDate, &o.DeliveryDate, &o.Comment); err != nil {
			return snap, fmt.Errorf("scan order: %w", err)
		}
		if orderDate.Valid {
			o.OrderDate = &orderDate.String
		}
		snap.Orders = append(snap.Orders, o)
	}
	if err := orderRows.Err(); err != nil {
		return snap, err
	}

	lineRows, err := s.conn.Query(`SELECT id, order_id, product_id, unit_id, quantity, price, comment FROM order_lines WHERE deleted_at IS NULL ORDER BY order_id`)
	if err != nil {
		return snap, fmt.Errorf("query order lines: %w", err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var l wire.SnapshotOrderLine
		if err := lineRows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.UnitID, &l.Quantity, &l.Price, &l.Comment); err != nil {
			return snap, fmt.Errorf("scan order line: %w", err)
		}
		snap.OrderLines = append(snap.OrderLines, l)
	}
	if err := lineRows.Err(); err != nil {
		return snap, err
	}

	return snap, nil
}

func (s *Store) ListPartners() ([]wire.SnapshotPartner, error) {
	rows, err := s.conn.Query(`SELECT id, name FROM partners ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query partners: %w", err)
	}
	defer rows.Close()
	var out []wire.SnapshotPartner
	for rows.Next() {
		var p wire.SnapshotPartner
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListProducts() ([]wire.SnapshotProduct, error) {
	rows, err := s.conn.Query(`SELECT id, name, sku, price FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()
	var out []wire.SnapshotProduct
	for rows.Next() {
		var p wire.SnapshotProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListUnits() ([]wire.SnapshotUnit, error) {
	rows, err := s.conn.Query(`SELECT id, name, abbreviation FROM units ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()
	var out []wire.SnapshotUnit
	for rows.Next() {
		var u wire.SnapshotUnit
		if err := rows.Scan(&u.ID, &u.Name, &u.Abbreviation); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SeedReference inserts or updates the reference collections used by test
// harnesses — syncd itself has no write path for reference data beyond
// this, since partners/products/units
// are expected to be provisioned out of band (e.g. an import job).
func (s *Store) SeedReference(snap wire.SnapshotResponse) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range snap.Partners {
		if _, err := tx.Exec(`INSERT INTO partners (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`, p.ID, p.Name); err != nil {
			return fmt.Errorf("seed partner: %w", err)
		}
	}
	for _, p := range snap.Products {
		if _, err := tx.Exec(`INSERT INTO products (id, name, sku, price) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name, sku = excluded.sku, price = excluded.price`, p.ID, p.Name, p.SKU, p.Price); err != nil {
			return fmt.Errorf("seed product: %w", err)
		}
	}
	for _, u := range snap.Units {
		if _, err := tx.Exec(`INSERT INTO units (id, name, abbreviation) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name, abbreviation = excluded.abbreviation`, u.ID, u.Name, u.Abbreviation); err != nil {
			return fmt.Errorf("seed unit: %w", err)
		}
	}
	return tx.Commit()
}
