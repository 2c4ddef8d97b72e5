// Package storage provides the persistence gateways a session manager saves
// document snapshots through. Every gateway treats the durable store as an
// opaque blob store keyed by room id; the bytes are the document's full-state
// serialization and are never inspected here.
//
// Gateways load a snapshot once per room creation and write one periodically
// and on drain. Nothing in this package ever deletes durable state.
package storage

import (
	"context"
)

// Gateway is the durable snapshot store contract.
type Gateway interface {
	// Load fetches the latest snapshot for a room. It fails with
	// common.ErrNotFound when the room has never been saved.
	Load(ctx context.Context, roomID string) ([]byte, error)

	// Save writes the room's current snapshot, replacing any previous one.
	Save(ctx context.Context, roomID string, data []byte) error

	// Close releases resources owned by the gateway. Clients injected by the
	// caller stay open.
	Close() error
}
