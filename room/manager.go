package room

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/storage"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
)

// Manager owns the mapping from room ID to live room. Rooms are created on
// first subscription and removed once they drain; durable state always
// outlives them in the storage gateway.
type Manager struct {
	opts     Options
	store    storage.Gateway
	node     *snowflake.Node
	instance uuid.UUID
	log      *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewManager creates a session manager persisting through the given gateway.
// The gateway and the optional relay bus stay owned by the caller.
func NewManager(store storage.Gateway, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("room: storage gateway is required")
	}
	opts = opts.withDefaults()
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create id node")
	}
	return &Manager{
		opts:     opts,
		store:    store,
		node:     node,
		instance: uuid.New(),
		log:      opts.Logger,
		rooms:    make(map[string]*room),
	}, nil
}

// Attach subscribes a connector to a room, creating the room on first use.
// It implements transport.Attacher. The room owns the connector afterward:
// it closes it when the member leaves, misbehaves or falls behind.
func (m *Manager) Attach(ctx context.Context, roomID string, conn transport.Connector) error {
	for {
		r, err := m.room(roomID)
		if err != nil {
			return err
		}
		err = r.join(ctx, conn)
		var closed common.ErrRoomClosed
		if errors.As(err, &closed) {
			// The room drained away between lookup and join; go again with
			// a fresh one.
			continue
		}
		return err
	}
}

// room returns the live room with the given ID, creating it when absent.
func (m *Manager) room(id string) (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, common.ErrRoomClosed{Room: id}
	}
	if r, ok := m.rooms[id]; ok && !r.isDead() {
		return r, nil
	}
	var r *room
	r = newRoom(id, m.store, m.node, m.instance, m.opts, func() { m.evict(id, r) })
	m.rooms[id] = r
	r.start()
	return r, nil
}

// evict removes a stopped room from the map unless it was already replaced.
func (m *Manager) evict(id string, r *room) {
	m.mu.Lock()
	if cur, ok := m.rooms[id]; ok && cur == r {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
}

// Rooms returns the IDs of the rooms currently resident in memory.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every member, flushes every room and waits for the
// flushes to finish or the context to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.log.Info("session manager closed", zap.Int("rooms", len(rooms)))
	return nil
}
