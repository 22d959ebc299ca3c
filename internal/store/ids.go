package store

import "github.com/google/uuid"

// NewEntityID returns a new time-ordered UUID (v7), the client-chosen id
// scheme the sync specification assumes: ids are generated locally and
// accepted verbatim by the server, with no remap step.
func NewEntityID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; uuid.New falls back to a random (v4) id so
		// entity creation never blocks on an exhausted entropy pool.
		return uuid.New().String()
	}
	return id.String()
}

// NewOperationID returns a new id for an outbox record / pushed operation.
func NewOperationID() string {
	return NewEntityID()
}
