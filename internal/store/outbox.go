package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/marcus/ordersync/internal/wire"
)

// OutboxStatus is the lifecycle stage of one pending mutation.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSyncing OutboxStatus = "syncing"
	OutboxSynced  OutboxStatus = "synced"
	OutboxFailed  OutboxStatus = "failed"
	OutboxRejected OutboxStatus = "rejected"
)

// MaxRetries is the retry budget per spec §8: after retry_count exceeds
// this, next_retry_at is cleared and the op becomes terminally failed.
const MaxRetries = 5

const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute
)

// OutboxOp is one row of the outbox table.
type OutboxOp struct {
	ID              string
	SequenceNumber  int64
	EntityType      string
	EntityID        string
	OpType          wire.OpType
	Data            map[string]any
	Timestamp       time.Time
	Status          OutboxStatus
	RetryCount      int
	NextRetryAt     *int64 // epoch millis, nil if not scheduled / terminally failed
	LastError       *string
}

// nextSequence returns max(sequence_number)+1, or 1 if the outbox is empty.
// Callers must hold the write lock (it is invoked from appendOperation,
// itself called inside withWriteLock).
func (db *DB) nextSequence(tx *sql.Tx) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(sequence_number) FROM outbox`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendOperation assigns a sequence_number and persists op with status
// pending, inside tx. The caller (a repository method) is responsible for
// writing the entity row in the same transaction so both commit atomically.
func (db *DB) AppendOperation(tx *sql.Tx, op OutboxOp) (OutboxOp, error) {
	seq, err := db.nextSequence(tx)
	if err != nil {
		return OutboxOp{}, storeErr("outbox.nextSequence", err)
	}
	op.SequenceNumber = seq
	if op.Status == "" {
		op.Status = OutboxPending
	}

	data, err := json.Marshal(op.Data)
	if err != nil {
		return OutboxOp{}, storeErr("outbox.marshal", err)
	}

	_, err = tx.Exec(`
		INSERT INTO outbox (id, sequence_number, entity_type, entity_id, op_type, data, timestamp, status, retry_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)
	`, op.ID, op.SequenceNumber, op.EntityType, op.EntityID, string(op.OpType), string(data), op.Timestamp.UTC().Format(time.RFC3339Nano), string(op.Status))
	if err != nil {
		return OutboxOp{}, storeErr("outbox.insert", err)
	}
	return op, nil
}

// GetPendingOperations returns operations with status=pending, or
// status=failed with next_retry_at in the past, ordered by sequence_number.
func (db *DB) GetPendingOperations(nowMillis int64) ([]OutboxOp, error) {
	rows, err := db.conn.Query(`
		SELECT id, sequence_number, entity_type, entity_id, op_type, data, timestamp, status, retry_count, next_retry_at, last_error
		FROM outbox
		WHERE status = 'pending'
		   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		ORDER BY sequence_number ASC
	`, nowMillis)
	if err != nil {
		return nil, storeErr("outbox.getPending", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func scanOutboxRows(rows *sql.Rows) ([]OutboxOp, error) {
	var ops []OutboxOp
	for rows.Next() {
		var (
			op        OutboxOp
			dataStr   string
			ts        string
			opType    string
			status    string
			nextRetry sql.NullInt64
			lastErr   sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.SequenceNumber, &op.EntityType, &op.EntityID, &opType, &dataStr, &ts, &status, &op.RetryCount, &nextRetry, &lastErr); err != nil {
			return nil, storeErr("outbox.scan", err)
		}
		op.OpType = wire.OpType(opType)
		op.Status = OutboxStatus(status)
		if err := json.Unmarshal([]byte(dataStr), &op.Data); err != nil {
			return nil, storeErr("outbox.unmarshalData", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, storeErr("outbox.parseTimestamp", err)
		}
		op.Timestamp = parsed
		if nextRetry.Valid {
			v := nextRetry.Int64
			op.NextRetryAt = &v
		}
		if lastErr.Valid {
			v := lastErr.String
			op.LastError = &v
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkSyncing transitions the given op ids from pending/failed to syncing.
func (db *DB) MarkSyncing(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		for _, id := range ids {
			if _, err := db.conn.Exec(`UPDATE outbox SET status = 'syncing' WHERE id = ?`, id); err != nil {
				return storeErr("outbox.markSyncing", err)
			}
		}
		return nil
	})
}

// MarkSynced transitions the given op ids to the terminal synced state.
func (db *DB) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		for _, id := range ids {
			if _, err := db.conn.Exec(`UPDATE outbox SET status = 'synced' WHERE id = ?`, id); err != nil {
				return storeErr("outbox.markSynced", err)
			}
		}
		return nil
	})
}

// MarkFailed records a transport failure: increments retry_count and
// computes next_retry_at = now + min(base*2^(retry_count-1), max). Once
// retry_count exceeds MaxRetries, next_retry_at is cleared (terminal).
func (db *DB) MarkFailed(id string, errMsg string) error {
	return db.withWriteLock(func() error {
		var retryCount int
		if err := db.conn.QueryRow(`SELECT retry_count FROM outbox WHERE id = ?`, id).Scan(&retryCount); err != nil {
			return storeErr("outbox.markFailed.read", err)
		}
		retryCount++

		var nextRetry *int64
		if retryCount > MaxRetries {
			nextRetry = nil
		} else {
			delay := backoffBase << uint(retryCount-1)
			if delay > backoffMax {
				delay = backoffMax
			}
			v := time.Now().Add(delay).UnixMilli()
			nextRetry = &v
		}

		_, err := db.conn.Exec(`UPDATE outbox SET status = 'failed', retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?`,
			retryCount, nextRetry, errMsg, id)
		return storeErr("outbox.markFailed.write", err)
	})
}

// MarkRejected transitions op id to the terminal rejected state with a
// business-error message. Used when the server returns a permanent error
// for the op (see §4.3 step 7, §7 BusinessError).
func (db *DB) MarkRejected(id string, message string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`UPDATE outbox SET status = 'rejected', last_error = ? WHERE id = ?`, message, id)
		return storeErr("outbox.markRejected", err)
	})
}

// PendingCount returns the count of outbox rows that still need syncing:
// pending, syncing, or failed (regardless of retry eligibility) — this is
// the pendingOperations figure in the orchestrator's status snapshot.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('pending','syncing','failed')`).Scan(&n)
	return n, storeErr("outbox.pendingCount", err)
}

// GetOutboxTail returns the most recent n outbox rows, most recent first —
// used by "orderctl sync tail".
func (db *DB) GetOutboxTail(n int) ([]OutboxOp, error) {
	rows, err := db.conn.Query(`
		SELECT id, sequence_number, entity_type, entity_id, op_type, data, timestamp, status, retry_count, next_retry_at, last_error
		FROM outbox ORDER BY sequence_number DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, storeErr("outbox.tail", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// RecordConflict logs a resolved field-level conflict to the local
// sync_conflicts table for diagnostics, grounded on the teacher's
// sync_history table. No orderctl command reads it; "orderctl sync tail"
// lists outbox rows only.
func (db *DB) RecordConflict(entityType, entityID string, syncID *int64, fields []string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return storeErr("conflicts.marshal", err)
	}
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`INSERT INTO sync_conflicts (entity_type, entity_id, sync_id, fields) VALUES (?, ?, ?, ?)`,
			entityType, entityID, syncID, string(data))
		return storeErr("conflicts.insert", err)
	})
}
