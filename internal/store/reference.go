package store

import (
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/wire"
)

// ApplySnapshot bulk-replaces the reference collections and the Order/
// OrderLine sets from a server snapshot response. Entity versions are set
// to 1, matching the "initial snapshot" semantics of §4.4 (a fresh local
// store has no prior version to preserve).
func (db *DB) ApplySnapshot(snap wire.SnapshotResponse) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC().Format(time.RFC3339Nano)

		for _, p := range snap.Partners {
			if _, err := tx.Exec(`
				INSERT INTO partners (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
			`, p.ID, p.Name, now, now); err != nil {
				return err
			}
		}
		for _, p := range snap.Products {
			if _, err := tx.Exec(`
				INSERT INTO products (id, name, sku, price, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, sku = excluded.sku, price = excluded.price, updated_at = excluded.updated_at
			`, p.ID, p.Name, p.SKU, p.Price, now, now); err != nil {
				return err
			}
		}
		for _, u := range snap.Units {
			if _, err := tx.Exec(`
				INSERT INTO units (id, name, abbreviation) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, abbreviation = excluded.abbreviation
			`, u.ID, u.Name, u.Abbreviation); err != nil {
				return err
			}
		}
		for _, o := range snap.Orders {
			var orderDate any
			if o.OrderDate != nil {
				orderDate = *o.OrderDate
			}
			if _, err := tx.Exec(`
				INSERT INTO orders (id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version, deleted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
				ON CONFLICT(id) DO UPDATE SET partner_id=excluded.partner_id, status=excluded.status, order_date=excluded.order_date,
					delivery_date=excluded.delivery_date, comment=excluded.comment, updated_at=excluded.updated_at
			`, o.ID, o.PartnerID, o.Status, orderDate, o.DeliveryDate, o.Comment, now, now); err != nil {
				return err
			}
		}
		for _, l := range snap.OrderLines {
			if _, err := tx.Exec(`
				INSERT INTO order_lines (id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, version, deleted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
				ON CONFLICT(id) DO UPDATE SET product_id=excluded.product_id, unit_id=excluded.unit_id, quantity=excluded.quantity,
					price=excluded.price, comment=excluded.comment, updated_at=excluded.updated_at
			`, l.ID, l.OrderID, l.ProductID, l.UnitID, l.Quantity, l.Price, l.Comment, now, now); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// ListPartners returns all replicated partners.
func (db *DB) ListPartners() ([]domain.Partner, error) {
	rows, err := db.conn.Query(`SELECT id, name, created_at, updated_at FROM partners ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("reference.listPartners", err)
	}
	defer rows.Close()
	var out []domain.Partner
	for rows.Next() {
		var p domain.Partner
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &created, &updated); err != nil {
			return nil, storeErr("reference.scanPartner", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListProducts returns all replicated products.
func (db *DB) ListProducts() ([]domain.Product, error) {
	rows, err := db.conn.Query(`SELECT id, name, sku, price, created_at, updated_at FROM products ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("reference.listProducts", err)
	}
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &created, &updated); err != nil {
			return nil, storeErr("reference.scanProduct", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListUnits returns all replicated units.
func (db *DB) ListUnits() ([]domain.Unit, error) {
	rows, err := db.conn.Query(`SELECT id, name, abbreviation FROM units ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("reference.listUnits", err)
	}
	defer rows.Close()
	var out []domain.Unit
	for rows.Next() {
		var u domain.Unit
		if err := rows.Scan(&u.ID, &u.Name, &u.Abbreviation); err != nil {
			return nil, storeErr("reference.scanUnit", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
