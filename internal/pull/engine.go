package pull

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/wire"
)

const pageLimit = 100

// Puller fetches change log pages and the bootstrap snapshot.
type Puller interface {
	Pull(ctx context.Context, since int64, limit int) (*wire.PullResponse, error)
	GetSnapshot(ctx context.Context) (*wire.SnapshotResponse, error)
}

// Engine runs one pull cycle at a time. Like the push Engine, it holds no
// background goroutine of its own — the orchestrator decides when to call
// Run and serializes it against the push Engine.
type Engine struct {
	db     *store.DB
	client Puller
	log    *slog.Logger
}

// New creates a pull Engine.
func New(db *store.DB, client Puller, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, client: client, log: log}
}

// Result summarizes one pull cycle for the orchestrator's status snapshot.
type Result struct {
	SnapshotBootstrapped bool
	Applied              int
	Rebased              int
}

// Run performs the initial snapshot bootstrap (once, guarded by
// HasSnapshot) and then the incremental pull loop described in §4.4: read
// the cursor, page through /sync/pull, and for each returned entry either
// rebase it over local pending work for the same entity or apply it
// directly, advancing the cursor after every page so a mid-loop failure
// leaves last_sync_id pointing at the last fully processed entry.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result

	hasSnapshot, err := e.db.HasSnapshot()
	if err != nil {
		return result, err
	}
	if !hasSnapshot {
		if err := e.bootstrap(ctx); err != nil {
			return result, err
		}
		result.SnapshotBootstrapped = true
	}

	cursor, _, err := e.db.LastSyncID()
	if err != nil {
		return result, err
	}

	touched := false
	for {
		resp, err := e.client.Pull(ctx, cursor, pageLimit)
		if err != nil {
			return result, err
		}
		if len(resp.Operations) == 0 {
			break
		}

		pending, err := e.db.GetPendingOperations(time.Now().UnixMilli())
		if err != nil {
			return result, err
		}
		pendingByEntity := make(map[string][]store.OutboxOp)
		for _, op := range pending {
			key := op.EntityType + ":" + op.EntityID
			pendingByEntity[key] = append(pendingByEntity[key], op)
		}

		var maxSyncID int64
		err = e.db.WithWriteTx(func(tx *sql.Tx) error {
			for _, entry := range resp.Operations {
				if err := e.applyOrRebase(tx, entry, pendingByEntity, &result); err != nil {
					return err
				}
				if entry.SyncID > maxSyncID {
					maxSyncID = entry.SyncID
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}

		if err := e.db.SetLastSyncID(maxSyncID); err != nil {
			return result, err
		}
		cursor = maxSyncID
		touched = true

		if !resp.HasMore {
			break
		}
	}

	if touched {
		if err := e.db.SetLastSyncAt(time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return result, err
		}
	}

	return result, nil
}

// applyOrRebase dispatches one change log entry to rebase (when local
// pending ops exist for the same entity) or direct apply.
func (e *Engine) applyOrRebase(tx *sql.Tx, entry wire.LogEntry, pendingByEntity map[string][]store.OutboxOp, result *Result) error {
	key := entry.EntityType + ":" + entry.EntityID
	if ops, ok := pendingByEntity[key]; ok && len(ops) > 0 {
		result.Rebased++
		return rebase(tx, entry, ops, e.log)
	}
	result.Applied++
	return apply(tx, entry)
}

// bootstrap runs the initial-snapshot mode: fetch the full reference and
// entity state, bulk-apply it at version 1, and mark the snapshot done.
func (e *Engine) bootstrap(ctx context.Context) error {
	snap, err := e.client.GetSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := e.db.ApplySnapshot(*snap); err != nil {
		return err
	}
	return e.db.SetLastSnapshotAt(time.Now().UTC().Format(time.RFC3339Nano))
}
