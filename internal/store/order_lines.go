package store

import (
	"database/sql"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/wire"
)

// OrderLineRepository is the entity-facing CRUD surface for OrderLine.
type OrderLineRepository struct {
	db *DB
}

// OrderLines returns the OrderLine repository bound to this store.
func (db *DB) OrderLines() *OrderLineRepository { return &OrderLineRepository{db: db} }

// OrderLineFields is the writable field bag for Create/Update.
type OrderLineFields struct {
	OrderID   string
	ProductID string
	UnitID    string
	Quantity  float64
	Price     float64
	Comment   string
}

// Create inserts a new OrderLine with version=1 and appends a CREATE
// outbox record.
func (r *OrderLineRepository) Create(f OrderLineFields) (domain.OrderLine, error) {
	now := time.Now().UTC()
	l := domain.OrderLine{
		ID:        NewEntityID(),
		OrderID:   f.OrderID,
		ProductID: f.ProductID,
		UnitID:    f.UnitID,
		Quantity:  f.Quantity,
		Price:     f.Price,
		Comment:   f.Comment,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	err := r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := insertOrderLineRow(tx, l); err != nil {
			return err
		}

		_, err = r.db.AppendOperation(tx, OutboxOp{
			ID:         NewOperationID(),
			EntityType: l.EntityType(),
			EntityID:   l.ID,
			OpType:     wire.OpCreate,
			Data:       orderLineDataBag(l),
			Timestamp:  now,
		})
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.OrderLine{}, storeErr("orderlines.create", err)
	}
	return l, nil
}

// Update reads the current row, applies patch, bumps version, and appends
// an UPDATE outbox record carrying patch plus the pre-increment
// expected_version.
func (r *OrderLineRepository) Update(id string, patch OrderLineFields) (domain.OrderLine, error) {
	var updated domain.OrderLine
	err := r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := getOrderLineRowTx(tx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		expected := current.Version
		updated = current
		updated.ProductID = patch.ProductID
		updated.UnitID = patch.UnitID
		updated.Quantity = patch.Quantity
		updated.Price = patch.Price
		updated.Comment = patch.Comment
		updated.Version = current.Version + 1
		updated.UpdatedAt = now

		if err := updateOrderLineRow(tx, updated); err != nil {
			return err
		}

		data := orderLineDataBag(updated)
		data["version"] = expected

		_, err = r.db.AppendOperation(tx, OutboxOp{
			ID:         NewOperationID(),
			EntityType: updated.EntityType(),
			EntityID:   updated.ID,
			OpType:     wire.OpUpdate,
			Data:       data,
			Timestamp:  now,
		})
		return err
	})
	if err != nil {
		return domain.OrderLine{}, storeErr("orderlines.update", err)
	}
	return updated, nil
}

// Delete soft-deletes the OrderLine and appends a DELETE outbox record.
func (r *OrderLineRepository) Delete(id string) error {
	return r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := getOrderLineRowTx(tx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		expected := current.Version

		if _, err := tx.Exec(`UPDATE order_lines SET deleted_at = ?, version = ?, updated_at = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), current.Version+1, now.Format(time.RFC3339Nano), id); err != nil {
			return err
		}

		_, err = r.db.AppendOperation(tx, OutboxOp{
			ID:         NewOperationID(),
			EntityType: current.EntityType(),
			EntityID:   id,
			OpType:     wire.OpDelete,
			Data:       map[string]any{"version": expected},
			Timestamp:  now,
		})
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListByOrder returns non-deleted lines for an order.
func (r *OrderLineRepository) ListByOrder(orderID string) ([]domain.OrderLine, error) {
	rows, err := r.db.conn.Query(`
		SELECT id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, version, deleted_at
		FROM order_lines WHERE order_id = ? AND deleted_at IS NULL ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, storeErr("orderlines.listByOrder", err)
	}
	defer rows.Close()

	var out []domain.OrderLine
	for rows.Next() {
		l, err := scanOrderLineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanOrderLineRow(s rowScanner) (domain.OrderLine, error) {
	var (
		l         domain.OrderLine
		created   string
		updated   string
		deletedAt sql.NullString
	)
	err := s.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.UnitID, &l.Quantity, &l.Price, &l.Comment, &created, &updated, &l.Version, &deletedAt)
	if err == sql.ErrNoRows {
		return domain.OrderLine{}, ErrNotFound
	}
	if err != nil {
		return domain.OrderLine{}, storeErr("orderlines.scan", err)
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	l.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if deletedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, deletedAt.String)
		if perr == nil {
			l.DeletedAt = &t
		}
	}
	return l, nil
}

func getOrderLineRowTx(tx *sql.Tx, id string) (domain.OrderLine, error) {
	return scanOrderLineRow(tx.QueryRow(`
		SELECT id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, version, deleted_at
		FROM order_lines WHERE id = ?
	`, id))
}

func insertOrderLineRow(tx *sql.Tx, l domain.OrderLine) error {
	_, err := tx.Exec(`
		INSERT INTO order_lines (id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, version, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, l.ID, l.OrderID, l.ProductID, l.UnitID, l.Quantity, l.Price, l.Comment,
		l.CreatedAt.Format(time.RFC3339Nano), l.UpdatedAt.Format(time.RFC3339Nano), l.Version)
	return err
}

func updateOrderLineRow(tx *sql.Tx, l domain.OrderLine) error {
	_, err := tx.Exec(`
		UPDATE order_lines SET product_id = ?, unit_id = ?, quantity = ?, price = ?, comment = ?, updated_at = ?, version = ?
		WHERE id = ?
	`, l.ProductID, l.UnitID, l.Quantity, l.Price, l.Comment, l.UpdatedAt.Format(time.RFC3339Nano), l.Version, l.ID)
	return err
}

func orderLineDataBag(l domain.OrderLine) map[string]any {
	return map[string]any{
		"order_id":   l.OrderID,
		"product_id": l.ProductID,
		"unit_id":    l.UnitID,
		"quantity":   l.Quantity,
		"price":      l.Price,
		"comment":    l.Comment,
	}
}
