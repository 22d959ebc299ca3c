package store

import (
	"fmt"
	"time"

	"github.com/marcus/ordersync/internal/domain"
)

// entityTable maps a wire entity type to its local table, the same
// projection resolve.go and pull/apply.go each keep their own copy of —
// duplicated rather than imported since store must not depend on server
// or pull.
func entityTable(entityType string) (string, bool) {
	switch entityType {
	case domain.Order{}.EntityType():
		return domain.Order{}.TableName(), true
	case domain.OrderLine{}.EntityType():
		return domain.OrderLine{}.TableName(), true
	default:
		return "", false
	}
}

// UpdateEntityVersion implements the sync protocol's updateEntityVersion
// local store operation: after a push succeeds or resolves a conflict, it
// sets the entity row's version to the server's new_version and, for a
// conflict, overwrites the subset of fields the server won — all without
// touching the outbox, which the reconciling push Engine manages itself.
func (db *DB) UpdateEntityVersion(entityType, id string, newVersion int64, fields map[string]any) error {
	table, ok := entityTable(entityType)
	if !ok {
		return fmt.Errorf("update entity version: unknown entity type %q", entityType)
	}
	return db.withWriteLock(func() error {
		sets := make([]string, 0, len(fields)+2)
		vals := make([]any, 0, len(fields)+3)
		for f, v := range fields {
			sets = append(sets, f+" = ?")
			vals = append(vals, v)
		}
		sets = append(sets, "version = ?", "updated_at = ?")
		vals = append(vals, newVersion, time.Now().UTC().Format(time.RFC3339Nano))
		vals = append(vals, id)

		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, joinColsEq(sets))
		if _, err := db.conn.Exec(query, vals...); err != nil {
			return storeErr("entity.updateVersion", err)
		}
		return nil
	})
}

// RestoreEntity undoes a local optimistic soft-delete whose push the server
// rejected (the entity's expected_version no longer matched), cascading the
// undelete to an Order's lines the same way Delete cascaded the delete.
func (db *DB) RestoreEntity(entityType, id string, newVersion int64) error {
	table, ok := entityTable(entityType)
	if !ok {
		return fmt.Errorf("restore entity: unknown entity type %q", entityType)
	}
	return db.withWriteLock(func() error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if table == "orders" {
			if _, err := db.conn.Exec(`UPDATE order_lines SET deleted_at = NULL, updated_at = ? WHERE order_id = ? AND deleted_at IS NOT NULL`,
				now, id); err != nil {
				return storeErr("entity.restore.cascade", err)
			}
		}
		if _, err := db.conn.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = NULL, version = ?, updated_at = ? WHERE id = ?", table),
			newVersion, now, id); err != nil {
			return storeErr("entity.restore", err)
		}
		return nil
	})
}

func joinColsEq(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
