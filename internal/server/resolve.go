package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/wire"
)

// ErrUnknownEntity is returned for a pushed operation naming an entity type
// syncd does not recognize as a mutable, synchronized entity.
var ErrUnknownEntity = errors.New("unknown entity type")

// entityRow is the authoritative server-side state for one order or
// order_line, read inside the resolving transaction.
type entityRow struct {
	fields  map[string]any // current column values, keyed by column name
	version int64
	deleted bool
}

// Resolve applies one pushed operation against the authoritative tables and
// append-only change log inside tx, implementing the field-level
// last-write-wins rules: a CREATE always succeeds; an UPDATE or DELETE whose
// expected_version matches the current row succeeds outright; a stale
// UPDATE merges non-overlapping fields and reports conflicts[] for fields
// the server changed in the meantime; a stale DELETE is rejected as a
// conflict so the client can restore its local copy.
func (s *Store) Resolve(tx *sql.Tx, op wire.Operation) (wire.OpResult, error) {
	if cached, ok, err := lookupProcessed(tx, op.ID); err != nil {
		return wire.OpResult{}, err
	} else if ok {
		return cached, nil
	}

	result, err := s.resolveFresh(tx, op)
	if err != nil {
		return wire.OpResult{}, err
	}
	if err := storeProcessed(tx, op.ID, result); err != nil {
		return wire.OpResult{}, err
	}
	return result, nil
}

func (s *Store) resolveFresh(tx *sql.Tx, op wire.Operation) (wire.OpResult, error) {
	switch op.OperationType {
	case wire.OpCreate:
		return s.resolveCreate(tx, op)
	case wire.OpUpdate:
		return s.resolveUpdate(tx, op)
	case wire.OpDelete:
		return s.resolveDelete(tx, op)
	default:
		return errResult(op, fmt.Sprintf("unknown operation type %q", op.OperationType)), nil
	}
}

func errResult(op wire.Operation, msg string) wire.OpResult {
	return wire.OpResult{OperationID: op.ID, Status: wire.ResultError, Message: &msg}
}

func lookupProcessed(tx *sql.Tx, opID string) (wire.OpResult, bool, error) {
	var status string
	var syncID, newVersion sql.NullInt64
	var message, conflictsJSON sql.NullString
	err := tx.QueryRow(`SELECT status, sync_id, new_version, message, conflicts FROM processed_ops WHERE op_id = ?`, opID).
		Scan(&status, &syncID, &newVersion, &message, &conflictsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.OpResult{}, false, nil
	}
	if err != nil {
		return wire.OpResult{}, false, fmt.Errorf("lookup processed op: %w", err)
	}

	result := wire.OpResult{OperationID: opID, Status: wire.ResultStatus(status)}
	if syncID.Valid {
		v := syncID.Int64
		result.SyncID = &v
	}
	if newVersion.Valid {
		v := newVersion.Int64
		result.NewVersion = &v
	}
	if message.Valid {
		m := message.String
		result.Message = &m
	}
	if conflictsJSON.Valid && conflictsJSON.String != "" {
		if err := json.Unmarshal([]byte(conflictsJSON.String), &result.Conflicts); err != nil {
			return wire.OpResult{}, false, fmt.Errorf("decode cached conflicts: %w", err)
		}
	}
	return result, true, nil
}

func storeProcessed(tx *sql.Tx, opID string, result wire.OpResult) error {
	conflictsJSON, err := json.Marshal(result.Conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO processed_ops (op_id, sync_id, status, new_version, message, conflicts) VALUES (?, ?, ?, ?, ?, ?)`,
		opID, result.SyncID, string(result.Status), result.NewVersion, result.Message, string(conflictsJSON),
	)
	if err != nil {
		return fmt.Errorf("store processed op: %w", err)
	}
	return nil
}

// columnsFor returns the underlying table name and the writable-field
// projection for the given wire entity type, taken directly from the
// domain types so the resolver can never drift from the local store's own
// notion of what an UPDATE is allowed to touch.
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

func (s *Store) resolveCreate(tx *sql.Tx, op wire.Operation) (wire.OpResult, error) {
	table, writable, ok := columnsFor(op.EntityType)
	if !ok {
		return errResult(op, fmt.Sprintf("unknown entity type %q", op.EntityType)), nil
	}

	fields := writable
	if table == (domain.OrderLine{}).TableName() {
		// order_id is set once at creation and is not part of the writable projection.
		fields = append([]string{"order_id"}, writable...)
	}
	cols := append([]string{"id"}, fields...)
	vals := make([]any, 0, len(cols))
	vals = append(vals, op.EntityID)
	for _, c := range fields {
		vals = append(vals, op.Data[c])
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, version) VALUES (%s, 1) ON CONFLICT(id) DO NOTHING",
		table, joinCols(cols), joinCols(placeholders),
	)
	if _, err := tx.Exec(query, vals...); err != nil {
		return wire.OpResult{}, fmt.Errorf("insert %s: %w", table, err)
	}

	syncID, err := appendLog(tx, op.EntityType, op.EntityID, wire.OpCreate, op.Data, nil, 1, op.Timestamp)
	if err != nil {
		return wire.OpResult{}, err
	}

	one := int64(1)
	return wire.OpResult{OperationID: op.ID, Status: wire.ResultSuccess, SyncID: &syncID, NewVersion: &one}, nil
}

func (s *Store) resolveUpdate(tx *sql.Tx, op wire.Operation) (wire.OpResult, error) {
	table, writable, ok := columnsFor(op.EntityType)
	if !ok {
		return errResult(op, fmt.Sprintf("unknown entity type %q", op.EntityType)), nil
	}

	current, found, err := loadRow(tx, table, writable, op.EntityID)
	if err != nil {
		return wire.OpResult{}, err
	}
	if !found {
		msg := fmt.Sprintf("%s %s not found", op.EntityType, op.EntityID)
		return errResult(op, msg), nil
	}
	if current.deleted {
		msg := fmt.Sprintf("%s %s was deleted", op.EntityType, op.EntityID)
		return errResult(op, msg), nil
	}

	expected := int64(0)
	if op.ExpectedVersion != nil {
		expected = *op.ExpectedVersion
	}

	if expected == current.version {
		accepted := make([]string, 0, len(writable))
		for _, f := range writable {
			if _, ok := op.Data[f]; ok {
				accepted = append(accepted, f)
			}
		}
		if err := applyFields(tx, table, op.EntityID, accepted, op.Data); err != nil {
			return wire.OpResult{}, err
		}
		if len(accepted) == 0 {
			if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?", table), op.EntityID); err != nil {
				return wire.OpResult{}, fmt.Errorf("bump version on %s: %w", table, err)
			}
		}
		newVersion := current.version + 1
		syncID, err := appendLog(tx, op.EntityType, op.EntityID, wire.OpUpdate, op.Data, accepted, newVersion, op.Timestamp)
		if err != nil {
			return wire.OpResult{}, err
		}
		return wire.OpResult{OperationID: op.ID, Status: wire.ResultSuccess, SyncID: &syncID, NewVersion: &newVersion}, nil
	}

	if expected > current.version {
		msg := "expected_version ahead of server — client state is invalid"
		return errResult(op, msg), nil
	}

	modified, err := modifiedFieldsSince(tx, op.EntityType, op.EntityID, expected, current.version)
	if err != nil {
		return wire.OpResult{}, err
	}

	var conflicts []wire.FieldConflict
	accepted := make([]string, 0, len(writable))
	for _, field := range writable {
		patchVal, patched := op.Data[field]
		if !patched {
			continue
		}
		if modified[field] {
			conflicts = append(conflicts, wire.FieldConflict{
				Field:       field,
				ClientValue: patchVal,
				ServerValue: current.fields[field],
				Winner:      wire.WinnerServer,
			})
			continue
		}
		accepted = append(accepted, field)
	}

	if len(accepted) > 0 {
		if err := applyFields(tx, table, op.EntityID, accepted, op.Data); err != nil {
			return wire.OpResult{}, err
		}
	}
	newVersion := current.version + 1
	// Re-touch the row even when every field conflicted, so the version
	// still advances and the client's retry sees a fresh expected_version.
	if len(accepted) == 0 {
		if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?", table), op.EntityID); err != nil {
			return wire.OpResult{}, fmt.Errorf("bump version on %s: %w", table, err)
		}
	}
	syncID, err := appendLog(tx, op.EntityType, op.EntityID, wire.OpUpdate, op.Data, accepted, newVersion, op.Timestamp)
	if err != nil {
		return wire.OpResult{}, err
	}

	return wire.OpResult{
		OperationID: op.ID,
		Status:      wire.ResultConflict,
		SyncID:      &syncID,
		NewVersion:  &newVersion,
		Conflicts:   conflicts,
	}, nil
}

func (s *Store) resolveDelete(tx *sql.Tx, op wire.Operation) (wire.OpResult, error) {
	table, writable, ok := columnsFor(op.EntityType)
	if !ok {
		return errResult(op, fmt.Sprintf("unknown entity type %q", op.EntityType)), nil
	}

	current, found, err := loadRow(tx, table, writable, op.EntityID)
	if err != nil {
		return wire.OpResult{}, err
	}
	if !found || current.deleted {
		// Already gone: treat as success so a retried DELETE is idempotent.
		one := current.version
		return wire.OpResult{OperationID: op.ID, Status: wire.ResultSuccess, NewVersion: &one}, nil
	}

	expected := int64(0)
	if op.ExpectedVersion != nil {
		expected = *op.ExpectedVersion
	}

	if expected != current.version {
		msg := fmt.Sprintf("%s %s was modified by another device", op.EntityType, op.EntityID)
		newVersion := current.version
		return wire.OpResult{
			OperationID: op.ID,
			Status:      wire.ResultConflict,
			NewVersion:  &newVersion,
			Message:     &msg,
		}, nil
	}

	if table == "orders" {
		if _, err := tx.Exec(`UPDATE order_lines SET deleted_at = CURRENT_TIMESTAMP, version = version + 1 WHERE order_id = ? AND deleted_at IS NULL`, op.EntityID); err != nil {
			return wire.OpResult{}, fmt.Errorf("cascade delete order_lines: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = CURRENT_TIMESTAMP, version = version + 1 WHERE id = ?", table), op.EntityID); err != nil {
		return wire.OpResult{}, fmt.Errorf("soft delete %s: %w", table, err)
	}

	newVersion := current.version + 1
	syncID, err := appendLog(tx, op.EntityType, op.EntityID, wire.OpDelete, nil, nil, newVersion, op.Timestamp)
	if err != nil {
		return wire.OpResult{}, err
	}
	return wire.OpResult{OperationID: op.ID, Status: wire.ResultSuccess, SyncID: &syncID, NewVersion: &newVersion}, nil
}

func loadRow(tx *sql.Tx, table string, writable []string, id string) (entityRow, bool, error) {
	cols := append([]string{"version", "deleted_at"}, writable...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", joinCols(cols), table)

	dest := make([]any, len(cols))
	var version int64
	var deletedAt sql.NullString
	dest[0] = &version
	dest[1] = &deletedAt
	values := make([]sql.NullString, len(writable))
	for i := range writable {
		dest[2+i] = &values[i]
	}

	row := tx.QueryRow(query, id)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entityRow{}, false, nil
		}
		return entityRow{}, false, fmt.Errorf("load %s %s: %w", table, id, err)
	}

	fields := make(map[string]any, len(writable))
	for i, c := range writable {
		if values[i].Valid {
			fields[c] = values[i].String
		} else {
			fields[c] = nil
		}
	}

	return entityRow{
		fields:  fields,
		version: version,
		deleted: deletedAt.Valid,
	}, true, nil
}

func applyFields(tx *sql.Tx, table, id string, fields []string, data map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields)+1)
	vals := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		sets = append(sets, f+" = ?")
		vals = append(vals, data[f])
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	vals = append(vals, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, joinCols(sets))
	if _, err := tx.Exec(query, vals...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// modifiedFieldsSince unions the "fields" column of every UPDATE change log
// entry for (entityType, entityID) whose new_version falls in
// (expectedVersion, currentVersion] — the set of fields the server has
// changed since the client's base version, used to detect overlap with a
// stale push's own patch.
func modifiedFieldsSince(tx *sql.Tx, entityType, entityID string, expectedVersion, currentVersion int64) (map[string]bool, error) {
	rows, err := tx.Query(
		`SELECT fields FROM change_log WHERE entity_type = ? AND entity_id = ? AND new_version > ? AND new_version <= ? AND op_type = 'UPDATE'`,
		entityType, entityID, expectedVersion, currentVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	modified := make(map[string]bool)
	for rows.Next() {
		var fieldsJSON string
		if err := rows.Scan(&fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan change log fields: %w", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("decode change log fields: %w", err)
		}
		for _, f := range fields {
			modified[f] = true
		}
	}
	return modified, rows.Err()
}

func appendLog(tx *sql.Tx, entityType, entityID string, opType wire.OpType, data map[string]any, fields []string, newVersion int64, timestamp string) (int64, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode log data: %w", err)
	}
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("encode log fields: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO change_log (entity_type, entity_id, op_type, data, fields, new_version, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType, entityID, string(opType), string(dataJSON), string(fieldsJSON), newVersion, timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return res.LastInsertId()
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
