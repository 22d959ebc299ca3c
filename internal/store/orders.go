package store

import (
	"database/sql"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/wire"
)

// OrderRepository is the entity-facing CRUD surface for Order: every
// mutation writes the entity row and appends an outbox record atomically.
type OrderRepository struct {
	db *DB
}

// Orders returns the Order repository bound to this store.
func (db *DB) Orders() *OrderRepository { return &OrderRepository{db: db} }

// OrderFields is the field bag accepted by Create/Update, projected onto
// domain.Order's writable columns.
type OrderFields struct {
	PartnerID    string
	Status       domain.OrderStatus
	OrderDate    *time.Time
	DeliveryDate time.Time
	Comment      string
}

// Create inserts a new Order with version=1 and appends a CREATE outbox
// record whose data is the full row.
func (r *OrderRepository) Create(f OrderFields) (domain.Order, error) {
	now := time.Now().UTC()
	o := domain.Order{
		ID:           NewEntityID(),
		PartnerID:    f.PartnerID,
		Status:       f.Status,
		OrderDate:    f.OrderDate,
		DeliveryDate: f.DeliveryDate,
		Comment:      f.Comment,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	var outErr error
	err := r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := insertOrderRow(tx, o); err != nil {
			return err
		}

		_, err = r.db.AppendOperation(tx, OutboxOp{
			ID:         NewOperationID(),
			EntityType: o.EntityType(),
			EntityID:   o.ID,
			OpType:     wire.OpCreate,
			Data:       orderDataBag(o),
			Timestamp:  now,
		})
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		outErr = storeErr("orders.create", err)
	}
	return o, outErr
}

// Update reads the current row, applies patch, bumps version, and appends
// an UPDATE outbox record carrying the fields whose value the patch changed
// plus the pre-increment expected_version.
func (r *OrderRepository) Update(id string, patch OrderFields) (domain.Order, error) {
	var updated domain.Order
	err := r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := getOrderRowTx(tx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		expected := current.Version
		updated = current
		updated.PartnerID = patch.PartnerID
		updated.Status = patch.Status
		updated.OrderDate = patch.OrderDate
		updated.DeliveryDate = patch.DeliveryDate
		updated.Comment = patch.Comment
		updated.Version = current.Version + 1
		updated.UpdatedAt = now

		if err := updateOrderRow(tx, updated); err != nil {
			return err
		}

		data := orderDataBag(updated)
		prev := orderDataBag(current)
		for k, v := range data {
			if prev[k] == v {
				delete(data, k)
			}
		}
		data["version"] = expected

		_, err = r.db.AppendOperation(tx, OutboxOp{
			ID:         NewOperationID(),
			EntityType: updated.EntityType(),
			EntityID:   updated.ID,
			OpType:     wire.OpUpdate,
			Data:       data,
			Timestamp:  now,
		})
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return domain.Order{}, storeErr("orders.update", err)
	}
	return updated, nil
}

// Delete soft-deletes the Order (and cascades to its OrderLines) and
// appends a DELETE outbox record.
func (r *OrderRepository) Delete(id string) error {
	return r.db.withWriteLock(func() error {
		tx, err := r.db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := getOrderRowTx(tx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		expected := current.Version

		if _, err := tx.Exec(`UPDATE orders SET deleted_at = ?, version = ?, updated_at = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), current.Version+1, now.Format(time.RFC3339Nano), id); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE order_lines SET deleted_at = ?, updated_at = ? WHERE order_id = ? AND deleted_at IS NULL`,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id); err != nil {
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

// Get returns the Order by id, excluding soft-deleted rows.
func (r *OrderRepository) Get(id string) (domain.Order, error) {
	o, err := scanOrderRow(r.db.conn.QueryRow(`
		SELECT id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version, deleted_at
		FROM orders WHERE id = ? AND deleted_at IS NULL
	`, id))
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// ListByDeliveryDate returns non-deleted orders for a given delivery date,
// the "recap" read query referenced by the sync specification's UI
// contract (§6).
func (r *OrderRepository) ListByDeliveryDate(date time.Time) ([]domain.Order, error) {
	rows, err := r.db.conn.Query(`
		SELECT id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version, deleted_at
		FROM orders WHERE deleted_at IS NULL AND date(delivery_date) = date(?)
		ORDER BY created_at ASC
	`, date.Format("2006-01-02"))
	if err != nil {
		return nil, storeErr("orders.listByDeliveryDate", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderRow(s rowScanner) (domain.Order, error) {
	var (
		o         domain.Order
		orderDate sql.NullString
		deliver   string
		created   string
		updated   string
		deletedAt sql.NullString
		status    int
	)
	err := s.Scan(&o.ID, &o.PartnerID, &status, &orderDate, &deliver, &o.Comment, &created, &updated, &o.Version, &deletedAt)
	if err == sql.ErrNoRows {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, storeErr("orders.scan", err)
	}
	o.Status = domain.OrderStatus(status)
	if orderDate.Valid {
		t, perr := time.Parse(time.RFC3339Nano, orderDate.String)
		if perr == nil {
			o.OrderDate = &t
		}
	}
	o.DeliveryDate, _ = time.Parse(time.RFC3339Nano, deliver)
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if deletedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, deletedAt.String)
		if perr == nil {
			o.DeletedAt = &t
		}
	}
	return o, nil
}

func getOrderRowTx(tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrderRow(tx.QueryRow(`
		SELECT id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version, deleted_at
		FROM orders WHERE id = ?
	`, id))
}

func insertOrderRow(tx *sql.Tx, o domain.Order) error {
	var orderDate any
	if o.OrderDate != nil {
		orderDate = o.OrderDate.Format(time.RFC3339Nano)
	}
	_, err := tx.Exec(`
		INSERT INTO orders (id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, o.ID, o.PartnerID, int(o.Status), orderDate, o.DeliveryDate.Format(time.RFC3339Nano), o.Comment,
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano), o.Version)
	return err
}

func updateOrderRow(tx *sql.Tx, o domain.Order) error {
	var orderDate any
	if o.OrderDate != nil {
		orderDate = o.OrderDate.Format(time.RFC3339Nano)
	}
	_, err := tx.Exec(`
		UPDATE orders SET partner_id = ?, status = ?, order_date = ?, delivery_date = ?, comment = ?, updated_at = ?, version = ?
		WHERE id = ?
	`, o.PartnerID, int(o.Status), orderDate, o.DeliveryDate.Format(time.RFC3339Nano), o.Comment, o.UpdatedAt.Format(time.RFC3339Nano), o.Version, o.ID)
	return err
}

func orderDataBag(o domain.Order) map[string]any {
	data := map[string]any{
		"partner_id":    o.PartnerID,
		"status":        int(o.Status),
		"delivery_date": o.DeliveryDate.Format(time.RFC3339Nano),
		"comment":       o.Comment,
	}
	if o.OrderDate != nil {
		data["order_date"] = o.OrderDate.Format(time.RFC3339Nano)
	}
	return data
}
