// Package push implements the outbox push engine: it snapshots pending
// local mutations, coalesces same-entity operations into the smallest
// equivalent batch, sends them to syncd, and reconciles the outcome back
// onto the outbox.
package push

import (
	"github.com/marcus/ordersync/internal/store"
	"github.com/marcus/ordersync/internal/wire"
)

// Coalesced is one logical operation produced by collapsing every pending
// outbox row for a single entity into the fewest wire operations that have
// the same net effect. SourceIDs lists every outbox row folded into it, so
// the reconciler can mark them all synced/failed/rejected together.
type Coalesced struct {
	Op        wire.Operation
	SourceIDs []string
	Cancelled bool // a local CREATE immediately followed by a DELETE: nothing to send
}

// Coalesce groups ops by entity (preserving each group's outbox order) and
// reduces each group per the push engine's coalescing rules:
//
//   - a single op passes through unchanged;
//   - CREATE followed by one or more UPDATEs merges into one CREATE carrying
//     the union of patched fields (the UPDATEs' own expected_version is
//     irrelevant to a CREATE and is dropped);
//   - CREATE followed (eventually) by DELETE cancels entirely — the entity
//     never existed as far as the server is concerned;
//   - one or more UPDATEs merge into a single UPDATE keeping the FIRST
//     update's expected_version (the version the chain's optimistic check
//     must still pass) and the union of patched fields, later ops winning
//     on overlap;
//   - UPDATE(s) followed by DELETE discard the updates entirely and send
//     only the DELETE, with its own expected_version (there is no point
//     updating fields on an entity about to be deleted).
func Coalesce(ops []store.OutboxOp) []Coalesced {
	groups := make(map[string][]store.OutboxOp)
	var order []string
	for _, op := range ops {
		key := op.EntityType + ":" + op.EntityID
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}

	out := make([]Coalesced, 0, len(order))
	for _, key := range order {
		out = append(out, coalesceGroup(groups[key]))
	}
	return out
}

func coalesceGroup(group []store.OutboxOp) Coalesced {
	ids := make([]string, len(group))
	for i, op := range group {
		ids[i] = op.ID
	}

	if len(group) == 1 {
		return Coalesced{Op: toWireOp(group[0]), SourceIDs: ids}
	}

	hasCreate := group[0].OpType == wire.OpCreate
	lastIsDelete := group[len(group)-1].OpType == wire.OpDelete

	if hasCreate {
		if lastIsDelete {
			return Coalesced{SourceIDs: ids, Cancelled: true}
		}
		merged := mergeData(group)
		return Coalesced{
			Op: wire.Operation{
				ID:            group[0].ID,
				EntityType:    group[0].EntityType,
				EntityID:      group[0].EntityID,
				OperationType: wire.OpCreate,
				Data:          merged,
				Timestamp:     lastTimestamp(group),
			},
			SourceIDs: ids,
		}
	}

	if lastIsDelete {
		del := group[len(group)-1]
		return Coalesced{Op: toWireOp(del), SourceIDs: ids}
	}

	first := group[0]
	_, expected := splitVersion(first.Data)
	merged := mergeData(group)
	return Coalesced{
		Op: wire.Operation{
			ID:              first.ID,
			EntityType:      first.EntityType,
			EntityID:        first.EntityID,
			OperationType:   wire.OpUpdate,
			Data:            merged,
			ExpectedVersion: expected,
			Timestamp:       lastTimestamp(group),
		},
		SourceIDs: ids,
	}
}

// mergeData unions every op's data fields (minus "version", which is
// carried separately as expected_version), later ops overriding earlier
// ones on overlapping fields.
func mergeData(group []store.OutboxOp) map[string]any {
	merged := make(map[string]any)
	for _, op := range group {
		fields, _ := splitVersion(op.Data)
		for k, v := range fields {
			merged[k] = v
		}
	}
	return merged
}

// splitVersion pulls the "version" bookkeeping field (present on UPDATE and
// DELETE outbox rows) out of data, returning the remaining fields and the
// expected_version as *int64.
func splitVersion(data map[string]any) (map[string]any, *int64) {
	fields := make(map[string]any, len(data))
	var expected *int64
	for k, v := range data {
		if k == "version" {
			if n, ok := asInt64(v); ok {
				expected = &n
			}
			continue
		}
		fields[k] = v
	}
	return fields, expected
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func lastTimestamp(group []store.OutboxOp) string {
	return group[len(group)-1].Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
}

func toWireOp(op store.OutboxOp) wire.Operation {
	fields, expected := splitVersion(op.Data)
	return wire.Operation{
		ID:              op.ID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		OperationType:   op.OpType,
		Data:            fields,
		ExpectedVersion: expected,
		Timestamp:       op.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}
