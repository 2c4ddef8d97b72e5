package storage

import (
	"context"
	"sync"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// MemoryGateway keeps snapshots in process memory. It backs tests and
// single-process deployments that can afford to lose history on restart.
type MemoryGateway struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{blobs: make(map[string][]byte)}
}

// Load implements Gateway.
func (g *MemoryGateway) Load(_ context.Context, roomID string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	data, ok := g.blobs[roomID]
	if !ok {
		return nil, common.ErrNotFound{Key: roomID}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Save implements Gateway.
func (g *MemoryGateway) Save(_ context.Context, roomID string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[roomID] = stored
	return nil
}

// Close implements Gateway.
func (g *MemoryGateway) Close() error {
	return nil
}

// Len returns the number of stored snapshots.
func (g *MemoryGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.blobs)
}
