// Package pull implements the pull engine: initial snapshot bootstrap,
// incremental change-log ingestion, and rebase of local pending work over
// incoming server operations.
package pull

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/wire"
)

// columnsFor mirrors the server resolver's projection: the table and
// writable-field set for a wire entity type, taken straight from the
// domain types so pull-apply can never drift from what a CREATE/UPDATE is
// allowed to touch.
func columnsFor(entityType string) (table string, writable []string, ok bool) {
	switch entityType {
	case domain.Order{}.EntityType():
		return domain.Order{}.TableName(), domain.Order{}.WritableFields(), true
	case domain.OrderLine{}.EntityType():
		return domain.OrderLine{}.TableName(), domain.OrderLine{}.WritableFields(), true
	default:
		return "", nil, false
	}
}

// apply ingests one change log entry directly, per §4.4's apply-op
// semantics. It never consults the outbox — rebase (below) is the caller's
// job when local pending ops exist for the same entity.
func apply(tx *sql.Tx, entry wire.LogEntry) error {
	table, writable, ok := columnsFor(entry.EntityType)
	if !ok {
		return fmt.Errorf("pull apply: unknown entity type %q", entry.EntityType)
	}

	switch entry.OperationType {
	case wire.OpCreate:
		return applyCreate(tx, table, writable, entry)
	case wire.OpUpdate:
		return applyUpdate(tx, table, writable, entry)
	case wire.OpDelete:
		return applyDelete(tx, table, entry)
	default:
		return fmt.Errorf("pull apply: unknown operation type %q", entry.OperationType)
	}
}

// applyCreate puts a full entity row assembled from entry.Data. A CREATE
// always carries version 1 server-side; ON CONFLICT DO UPDATE makes this
// idempotent against a device re-pulling its own already-applied create.
func applyCreate(tx *sql.Tx, table string, writable []string, entry wire.LogEntry) error {
	fields := writable
	if table == (domain.OrderLine{}).TableName() {
		// order_id is set once at creation and is not part of the writable projection.
		fields = append([]string{"order_id"}, writable...)
	}
	cols := append([]string{"id"}, fields...)
	vals := make([]any, 0, len(cols)+3)
	vals = append(vals, entry.EntityID)
	for _, c := range fields {
		vals = append(vals, entry.Data[c])
	}
	version := entry.Version
	if version == 0 {
		version = 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	vals = append(vals, now, now, version)

	setClauses := make([]string, 0, len(fields)+1)
	for _, c := range fields {
		setClauses = append(setClauses, c+" = excluded."+c)
	}
	setClauses = append(setClauses, "updated_at = excluded.updated_at", "version = excluded.version", "deleted_at = NULL")

	query := fmt.Sprintf(
		"INSERT INTO %s (%s, created_at, updated_at, version) VALUES (%s, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET %s",
		table, joinCols(cols), placeholders(len(cols)), joinCols(setClauses),
	)
	_, err := tx.Exec(query, vals...)
	if err != nil {
		return fmt.Errorf("pull apply create %s: %w", table, err)
	}
	return nil
}

// applyUpdate projects entry.Data onto the writable fields it actually
// carries and sets version to entry.Version. If the row isn't present
// locally yet (its CREATE hasn't been pulled), this is a no-op — §4.4
// treats that as a warning-and-skip rather than an error, since a later
// pull page will eventually surface the CREATE first.
func applyUpdate(tx *sql.Tx, table string, writable []string, entry wire.LogEntry) error {
	exists, err := rowExists(tx, table, entry.EntityID)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	var sets []string
	var vals []any
	for _, f := range writable {
		if v, ok := entry.Data[f]; ok {
			sets = append(sets, f+" = ?")
			vals = append(vals, v)
		}
	}
	sets = append(sets, "version = ?", "updated_at = ?")
	vals = append(vals, entry.Version, time.Now().UTC().Format(time.RFC3339Nano))
	vals = append(vals, entry.EntityID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, joinCols(sets))
	if _, err := tx.Exec(query, vals...); err != nil {
		return fmt.Errorf("pull apply update %s: %w", table, err)
	}
	return nil
}

// applyDelete soft-deletes the row and, for Order, cascades to its lines.
func applyDelete(tx *sql.Tx, table string, entry wire.LogEntry) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if table == "orders" {
		if _, err := tx.Exec(`UPDATE order_lines SET deleted_at = ?, version = version + 1, updated_at = ? WHERE order_id = ? AND deleted_at IS NULL`,
			now, now, entry.EntityID); err != nil {
			return fmt.Errorf("pull apply cascade delete order_lines: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = ?, version = ?, updated_at = ? WHERE id = ?", table),
		now, entry.Version, now, entry.EntityID); err != nil {
		return fmt.Errorf("pull apply delete %s: %w", table, err)
	}
	return nil
}

func rowExists(tx *sql.Tx, table, id string) (bool, error) {
	var exists int
	err := tx.QueryRow(fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pull apply: check %s exists: %w", table, err)
	}
	return true, nil
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}

func placeholders(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
