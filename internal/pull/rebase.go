package pull

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/wire"
)

// rebase applies a server op for an entity that still has local pending
// outbox ops, then re-applies each pending op's effect onto the entity row
// only — never onto the outbox, which stays the sole source of truth for
// what the next push will send. The re-application exists purely to keep
// the UI's optimistic view consistent until that push resolves the
// conflict server-side.
func rebase(tx *sql.Tx, entry wire.LogEntry, pending []store.OutboxOp, log *slog.Logger) error {
	if err := apply(tx, entry); err != nil {
		return err
	}

	if entry.OperationType == wire.OpDelete {
		log.Warn("entity deleted upstream while local changes are still pending; they will be rejected on next push",
			"entity_type", entry.EntityType, "entity_id", entry.EntityID)
		return nil
	}

	for _, op := range pending {
		if err := reapply(tx, op); err != nil {
			return err
		}
	}
	return nil
}

// reapply re-projects one pending outbox op's effect onto the entity row,
// deliberately leaving version untouched — rebase's apply step already set
// it to the server's authoritative value, and reapply must not disturb it.
func reapply(tx *sql.Tx, op store.OutboxOp) error {
	table, writable, ok := columnsFor(op.EntityType)
	if !ok {
		return fmt.Errorf("rebase reapply: unknown entity type %q", op.EntityType)
	}

	switch op.OpType {
	case wire.OpUpdate:
		var sets []string
		var vals []any
		for _, f := range writable {
			if v, ok := op.Data[f]; ok {
				sets = append(sets, f+" = ?")
				vals = append(vals, v)
			}
		}
		if len(sets) == 0 {
			return nil
		}
		sets = append(sets, "updated_at = ?")
		vals = append(vals, time.Now().UTC().Format(time.RFC3339Nano), op.EntityID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, joinCols(sets))
		if _, err := tx.Exec(query, vals...); err != nil {
			return fmt.Errorf("rebase reapply update %s: %w", table, err)
		}
		return nil

	case wire.OpDelete:
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if table == "orders" {
			if _, err := tx.Exec(`UPDATE order_lines SET deleted_at = ?, updated_at = ? WHERE order_id = ? AND deleted_at IS NULL`,
				now, now, op.EntityID); err != nil {
				return fmt.Errorf("rebase reapply cascade delete order_lines: %w", err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?", table), now, now, op.EntityID); err != nil {
			return fmt.Errorf("rebase reapply delete %s: %w", table, err)
		}
		return nil

	default:
		// A pending CREATE for an entity the server just confirmed is the
		// device's own echo — apply() already put the authoritative row;
		// there is nothing left to re-layer.
		return nil
	}
}
