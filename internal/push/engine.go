package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/syncclient"
	"github.com/marcus/ordersync/internal/wire"
)

// Pusher sends a batch of operations and returns syncd's verdicts, or a
// TransportError/ProtocolError if the request never reached a verdict.
type Pusher interface {
	Push(ctx context.Context, ops []wire.Operation) (*wire.PushResponse, error)
}

// Engine runs one push cycle at a time against a local store and a syncd
// client. It holds no background goroutine of its own — the orchestrator
// decides when to call Run.
type Engine struct {
	db     *store.DB
	client Pusher
	log    *slog.Logger
}

// New creates a push Engine.
func New(db *store.DB, client Pusher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, client: client, log: log}
}

// Result summarizes one push cycle for the orchestrator's status snapshot.
type Result struct {
	Sent       int
	Succeeded  int
	Conflicted int
	Rejected   int
	Cancelled  int // CREATE+DELETE pairs that never hit the network
}

// Run executes the push algorithm:
//  1. snapshot pending operations (including failed ones whose backoff has
//     elapsed);
//  2. coalesce same-entity operations into the smallest equivalent batch;
//  3. outbox rows that coalesce away entirely (CREATE+DELETE) are marked
//     synced immediately, with no network call;
//  4. the remaining rows are marked "syncing" and sent in one push request;
//  5. each OpResult is reconciled back onto every outbox row it represents:
//     success marks the row(s) synced and, if the server returned a
//     new_version, advances the local entity to it; a CREATE/UPDATE
//     conflict marks the row(s) synced and overwrites the server-won
//     fields and version on the local entity; a DELETE conflict means the
//     server refused the delete, so the local entity is restored instead
//     and the row(s) marked rejected; a business error marks the row(s)
//     rejected outright (terminal, no retry);
//  6. a transport failure (the request never got a verdict) marks every
//     sent row failed, scheduling backoff.
//
// An error or conflict verdict for one coalesced group never aborts the
// rest of the batch — that is the whole point of collecting OpResults per
// operation rather than per request. A local store error while
// reconciling does: Run returns it at once.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result

	pending, err := e.db.GetPendingOperations(time.Now().UnixMilli())
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	groups := Coalesce(pending)

	var toSend []wire.Operation
	var toSendSourceIDs [][]string
	for _, g := range groups {
		if g.Cancelled {
			if err := e.db.MarkSynced(g.SourceIDs); err != nil {
				return result, err
			}
			result.Cancelled++
			continue
		}
		toSend = append(toSend, g.Op)
		toSendSourceIDs = append(toSendSourceIDs, g.SourceIDs)
	}

	if len(toSend) == 0 {
		return result, nil
	}

	allIDs := make([]string, 0, len(toSend))
	for _, ids := range toSendSourceIDs {
		allIDs = append(allIDs, ids...)
	}
	if err := e.db.MarkSyncing(allIDs); err != nil {
		return result, err
	}
	result.Sent = len(toSend)

	resp, err := e.client.Push(ctx, toSend)
	if err != nil {
		if !syncclient.IsTransportFailure(err) {
			// A non-transport error (e.g. a malformed request we built
			// ourselves) is ours to fix, not the client's to retry forever.
			e.log.Error("push request rejected outright", "err", err)
		}
		for _, ids := range toSendSourceIDs {
			for _, id := range ids {
				if markErr := e.db.MarkFailed(id, err.Error()); markErr != nil {
					return result, markErr
				}
			}
		}
		return result, nil
	}

	bySourceIDs := make(map[string][]string, len(toSend))
	byOpID := make(map[string]wire.Operation, len(toSend))
	for i, op := range toSend {
		bySourceIDs[op.ID] = toSendSourceIDs[i]
		byOpID[op.ID] = op
	}

	for _, r := range resp.Results {
		ids := bySourceIDs[r.OperationID]
		if len(ids) == 0 {
			continue
		}
		op := byOpID[r.OperationID]
		switch r.Status {
		case wire.ResultSuccess:
			if r.NewVersion != nil {
				if err := e.db.UpdateEntityVersion(op.EntityType, op.EntityID, *r.NewVersion, nil); err != nil {
					return result, err
				}
			}
			if err := e.db.MarkSynced(ids); err != nil {
				return result, err
			}
			result.Succeeded++
		case wire.ResultConflict:
			if op.OperationType == wire.OpDelete {
				if err := e.reconcileDeleteConflict(r, op, ids); err != nil {
					return result, err
				}
			} else {
				if err := e.reconcileConflict(r, op, ids); err != nil {
					return result, err
				}
			}
			result.Conflicted++
		case wire.ResultError:
			msg := "operation rejected"
			if r.Message != nil {
				msg = *r.Message
			}
			for _, id := range ids {
				if err := e.db.MarkRejected(id, msg); err != nil {
					return result, err
				}
			}
			result.Rejected++
		}
	}

	if err := e.db.SetLastPushAt(time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return result, err
	}

	return result, nil
}

// reconcileConflict handles a conflict on a CREATE/UPDATE: the server
// already merged the fields that didn't overlap and kept its own value for
// the ones that did, so the local entity is brought in line with those
// server-won values and version before the source rows are marked synced —
// there is nothing left for the client to resend. The conflicting field
// names are recorded in the local sync_conflicts table via RecordConflict;
// a conflict is a warning, not a failure.
func (e *Engine) reconcileConflict(r wire.OpResult, op wire.Operation, ids []string) error {
	serverWon := make(map[string]any, len(r.Conflicts))
	fields := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		fields[i] = c.Field
		if c.Winner == wire.WinnerServer {
			serverWon[c.Field] = c.ServerValue
		}
	}
	if r.NewVersion != nil {
		if err := e.db.UpdateEntityVersion(op.EntityType, op.EntityID, *r.NewVersion, serverWon); err != nil {
			return err
		}
	}
	if err := e.db.MarkSynced(ids); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if err := e.db.RecordConflict(op.EntityType, op.EntityID, r.SyncID, fields); err != nil {
		return err
	}
	e.log.Warn("server resolved a conflicting update", "entity_type", op.EntityType, "entity_id", op.EntityID, "fields", fields)
	return nil
}

// reconcileDeleteConflict handles a conflict on a DELETE: the server
// refused it because the entity had moved on since the client's expected
// version, so the delete is rejected rather than satisfied and the local
// soft-delete is undone to match the server's authoritative state.
func (e *Engine) reconcileDeleteConflict(r wire.OpResult, op wire.Operation, ids []string) error {
	if r.NewVersion != nil {
		if err := e.db.RestoreEntity(op.EntityType, op.EntityID, *r.NewVersion); err != nil {
			return err
		}
	}
	msg := "delete rejected: entity changed on the server"
	if r.Message != nil {
		msg = *r.Message
	}
	for _, id := range ids {
		if err := e.db.MarkRejected(id, msg); err != nil {
			return err
		}
	}
	e.log.Warn("server refused a delete, restoring local entity", "entity_type", op.EntityType, "entity_id", op.EntityID)
	return nil
}
