package room

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavinciDreams/ai-notes-sub000/awareness"
	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/DavinciDreams/ai-notes-sub000/pubsub"
	"github.com/DavinciDreams/ai-notes-sub000/storage"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
	"github.com/DavinciDreams/ai-notes-sub000/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// fastOptions shrinks every interval so lifecycle transitions happen within
// test timeouts.
func fastOptions() Options {
	return Options{
		AutosaveInterval:   25 * time.Millisecond,
		SweepInterval:      25 * time.Millisecond,
		StorageTimeout:     5 * time.Second,
		DrainRetryInterval: 10 * time.Millisecond,
		DrainTimeout:       2 * time.Second,
		SendQueueSize:      64,
		DecodeErrorLimit:   3,
		MaxBacklog:         1024,
		Awareness: awareness.StoreOptions{
			Timeout:          150 * time.Millisecond,
			DebounceInterval: 5 * time.Millisecond,
		},
	}
}

func newManager(t *testing.T, store storage.Gateway, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(store, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func subscribe(t *testing.T, m *Manager, room string, opts SubscribeOptions) *Handle {
	t.Helper()
	h, err := m.Subscribe(context.Background(), room, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestSubscribeRelaysEdits(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	h2 := subscribe(t, m, "doc", SubscribeOptions{})

	// An edit on one handle reaches the other.
	id1, err := h1.Insert(common.RootID, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h2.Text() == "hello" }, waitFor, tick)

	// The second handle can edit relative to the first handle's block.
	_, err = h2.Insert(id1, " world")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h1.Text() == "hello world" && h2.Text() == "hello world"
	}, waitFor, tick)
}

func TestRichEditsPropagate(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	h2 := subscribe(t, m, "doc", SubscribeOptions{})

	id1, err := h1.Insert(common.RootID, "one")
	require.NoError(t, err)
	id2, err := h1.Insert(id1, "two")
	require.NoError(t, err)
	id3, err := h1.Insert(id2, "three")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h2.Text() == "onetwothree" }, waitFor, tick)

	// One side formats a block while the other deletes a different one.
	require.NoError(t, h2.SetAttr(id2, "bold", "true"))
	require.NoError(t, h1.Delete(id3, id3))

	require.Eventually(t, func() bool {
		return h1.Text() == "onetwo" && h2.Text() == "onetwo"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, b := range h1.Blocks() {
			if b.ID == id2 {
				return b.Attrs["bold"] == "true"
			}
		}
		return false
	}, waitFor, tick)
}

func TestConcurrentHeadInsertsConverge(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	h2 := subscribe(t, m, "doc", SubscribeOptions{})

	// Both members insert at the head before seeing each other's edit. The
	// replicas must agree on one order.
	_, err := h1.Insert(common.RootID, "A")
	require.NoError(t, err)
	_, err = h2.Insert(common.RootID, "B")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, b := h1.Text(), h2.Text()
		return len(a) == 2 && a == b
	}, waitFor, tick)
}

func TestThreeMembersAbruptDisconnect(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h1 := subscribe(t, m, "doc", SubscribeOptions{DisplayName: "Ann"})
	h2 := subscribe(t, m, "doc", SubscribeOptions{DisplayName: "Ben"})
	h3 := subscribe(t, m, "doc", SubscribeOptions{DisplayName: "Cay"})

	// All three presences are visible to the first member.
	require.Eventually(t, func() bool { return len(h1.Peers()) == 3 }, waitFor, tick)

	// One member drops abruptly.
	require.NoError(t, h3.Close())

	// The remaining members keep exchanging edits.
	id, err := h1.Insert(common.RootID, "still ")
	require.NoError(t, err)
	_, err = h1.Insert(id, "alive")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h2.Text() == "still alive" }, waitFor, tick)

	// The departed member's presence entry is gone.
	require.Eventually(t, func() bool {
		for _, e := range h1.Peers() {
			if e.ClientID == h3.ClientID() {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestAwarenessSweepExpiresSilentMember(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h1 := subscribe(t, m, "doc", SubscribeOptions{DisplayName: "Ann"})

	// A raw member announces presence and then goes silent without
	// disconnecting.
	conn, server := transport.Pipe(64)
	require.NoError(t, m.Attach(context.Background(), "doc", server))
	go func() {
		for {
			if _, err := conn.Receive(context.Background()); err != nil {
				return
			}
		}
	}()
	require.NoError(t, conn.Send(wire.EncodeSyncStep1(common.NewVersionVector())))
	payload, err := awareness.EncodeRecord(&awareness.Record{
		Kind:  awareness.RecordUpsert,
		Entry: &awareness.Entry{ClientID: 777, DisplayName: "ghost"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(wire.EncodeAwarenessFrame(payload)))

	ghostVisible := func() bool {
		for _, e := range h1.Peers() {
			if e.ClientID == 777 {
				return true
			}
		}
		return false
	}
	require.Eventually(t, ghostVisible, waitFor, tick)

	// The silent member's entry expires within the sweep, while the
	// heartbeating subscriber survives well past the timeout.
	require.Eventually(t, func() bool { return !ghostVisible() }, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, e := range h1.Peers() {
			if e.ClientID == h1.ClientID() {
				return true
			}
		}
		return false
	}, waitFor, tick)

	// Expiry removed the entry, not the connection.
	select {
	case <-conn.Done():
		t.Fatal("sweep must not disconnect the member")
	default:
	}
	_ = conn.Close()
}

// slowGateway holds every load until the gate opens.
type slowGateway struct {
	storage.Gateway
	gate chan struct{}
}

func (g *slowGateway) Load(ctx context.Context, roomID string) ([]byte, error) {
	<-g.gate
	return g.Gateway.Load(ctx, roomID)
}

func TestLoadingBuffersAndReplaysFrames(t *testing.T) {
	mem := storage.NewMemoryGateway()

	// Seed the durable snapshot the room will load.
	seed := crdt.NewDocument(9)
	_, err := seed.ApplyLocalInsert(common.RootID, "base")
	require.NoError(t, err)
	require.NoError(t, mem.Save(context.Background(), "doc", wire.EncodeSnapshot(seed.SnapshotState())))

	gate := make(chan struct{})
	m := newManager(t, &slowGateway{Gateway: mem, gate: gate}, fastOptions())

	// Subscribe and edit while the load is still in flight; the room buffers
	// the frames.
	h := subscribe(t, m, "doc", SubscribeOptions{})
	_, err = h.Insert(common.RootID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", h.Text())

	close(gate)

	// After the load completes the buffered edit is replayed against the
	// restored document and the handle catches up on the seeded content.
	require.Eventually(t, func() bool { return h.Text() == "basenew" }, waitFor, tick)
}

func TestDrainPersistsAndRestores(t *testing.T) {
	store := storage.NewMemoryGateway()
	m := newManager(t, store, fastOptions())

	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	_, err := h1.Insert(common.RootID, "draft")
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	// The last disconnect drains the room: its state is flushed and the room
	// leaves memory.
	require.Eventually(t, func() bool { return len(m.Rooms()) == 0 }, waitFor, tick)
	require.Equal(t, 1, store.Len())

	// A later subscription restores the durable state.
	h2 := subscribe(t, m, "doc", SubscribeOptions{})
	require.Eventually(t, func() bool { return h2.Text() == "draft" }, waitFor, tick)
}

// gatedGateway counts calls and can hold saves until the gate opens.
type gatedGateway struct {
	*storage.MemoryGateway
	gate chan struct{}

	mu    sync.Mutex
	loads int
	saves int
}

func (g *gatedGateway) Load(ctx context.Context, roomID string) ([]byte, error) {
	g.mu.Lock()
	g.loads++
	g.mu.Unlock()
	return g.MemoryGateway.Load(ctx, roomID)
}

func (g *gatedGateway) Save(ctx context.Context, roomID string, data []byte) error {
	g.mu.Lock()
	g.saves++
	g.mu.Unlock()
	if g.gate != nil {
		<-g.gate
	}
	return g.MemoryGateway.Save(ctx, roomID, data)
}

func (g *gatedGateway) counts() (loads, saves int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loads, g.saves
}

func TestDrainAbortedByResubscribe(t *testing.T) {
	opts := fastOptions()
	// Keep the autosave out of the picture so the only save is the drain's.
	opts.AutosaveInterval = time.Hour
	gw := &gatedGateway{MemoryGateway: storage.NewMemoryGateway(), gate: make(chan struct{})}
	m := newManager(t, gw, opts)

	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	_, err := h1.Insert(common.RootID, "kept")
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	// Re-subscribe while the final flush is still in flight. The drain is
	// aborted and the in-memory document survives: no second load happens.
	h2 := subscribe(t, m, "doc", SubscribeOptions{})
	require.Eventually(t, func() bool { return h2.Text() == "kept" }, waitFor, tick)

	close(gw.gate)
	require.NoError(t, h2.Close())
	require.Eventually(t, func() bool { return len(m.Rooms()) == 0 }, waitFor, tick)

	loads, saves := gw.counts()
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, saves)

	// The durable snapshot carries the document that never left memory.
	h3 := subscribe(t, m, "doc", SubscribeOptions{})
	require.Eventually(t, func() bool { return h3.Text() == "kept" }, waitFor, tick)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())

	// A raw member with a tiny queue reads its handshake and then stops.
	conn, server := transport.Pipe(2)
	require.NoError(t, m.Attach(context.Background(), "doc", server))
	require.NoError(t, conn.Send(wire.EncodeSyncStep1(common.NewVersionVector())))
	recvCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for i := 0; i < 2; i++ {
		_, err := conn.Receive(recvCtx)
		require.NoError(t, err)
	}

	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	id, err := h1.Insert(common.RootID, "a")
	require.NoError(t, err)
	id, err = h1.Insert(id, "b")
	require.NoError(t, err)
	_, err = h1.Insert(id, "c")
	require.NoError(t, err)

	// The overflowing member is dropped; the room keeps serving.
	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("slow consumer was not disconnected")
	}

	h2 := subscribe(t, m, "doc", SubscribeOptions{})
	require.Eventually(t, func() bool { return h2.Text() == "abc" }, waitFor, tick)
}

func TestSnapshotCatchupAfterBacklogPrune(t *testing.T) {
	opts := fastOptions()
	opts.MaxBacklog = 4
	m := newManager(t, storage.NewMemoryGateway(), opts)

	h1 := subscribe(t, m, "doc", SubscribeOptions{})
	after := common.RootID
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		id, err := h1.Insert(after, s)
		require.NoError(t, err)
		after = id
	}

	// Let the autosave tick prune the backlog past the bound.
	time.Sleep(6 * opts.AutosaveInterval)

	// A fresh subscriber's vector predates the pruned window, so catch-up
	// falls back to a full snapshot transfer.
	var resynced atomic.Bool
	h2 := subscribe(t, m, "doc", SubscribeOptions{
		OnResync: func() { resynced.Store(true) },
	})
	require.Eventually(t, func() bool {
		return resynced.Load() && h2.Text() == "abcdefghij"
	}, waitFor, tick)

	// Later edits still flow as plain updates.
	_, err := h2.Insert(after, "!")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h1.Text() == "abcdefghij!" }, waitFor, tick)
}

func TestRepeatedDecodeFailuresDisconnect(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())

	conn, server := transport.Pipe(16)
	require.NoError(t, m.Attach(context.Background(), "doc", server))
	go func() {
		for {
			if _, err := conn.Receive(context.Background()); err != nil {
				return
			}
		}
	}()

	// Malformed frames are dropped; past the threshold the sender is cut.
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Send([]byte{0xFF, 0xBA, 0xAD}))
	}
	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("offending connection was not closed")
	}

	// The room is unaffected.
	h := subscribe(t, m, "doc", SubscribeOptions{})
	_, err := h.Insert(common.RootID, "fine")
	require.NoError(t, err)
	assert.Equal(t, "fine", h.Text())
}

func TestHandleRejectsInvalidPositions(t *testing.T) {
	m := newManager(t, storage.NewMemoryGateway(), fastOptions())
	h := subscribe(t, m, "doc", SubscribeOptions{})

	_, err := h.Insert(common.ItemID{Client: 42, Clock: 99}, "x")
	var pos common.ErrInvalidPosition
	require.ErrorAs(t, err, &pos)

	_, err = h.InsertAt(5, "x")
	require.ErrorAs(t, err, &pos)

	err = h.SetAttr(common.ItemID{Client: 42, Clock: 99}, "k", "v")
	require.ErrorAs(t, err, &pos)
}

func TestManagerClose(t *testing.T) {
	store := storage.NewMemoryGateway()
	m, err := NewManager(store, fastOptions())
	require.NoError(t, err)

	h1 := subscribe(t, m, "doc-1", SubscribeOptions{})
	h2 := subscribe(t, m, "doc-2", SubscribeOptions{})
	_, err = h1.Insert(common.RootID, "one")
	require.NoError(t, err)
	_, err = h2.Insert(common.RootID, "two")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	// Both rooms flushed before Close returned.
	assert.Equal(t, 2, store.Len())
	assert.Empty(t, m.Rooms())

	// Handles observe the shutdown and further use fails cleanly.
	<-h1.Done()
	_, err = h1.Insert(common.RootID, "late")
	require.ErrorIs(t, err, common.ErrHandleClosed{})

	_, err = m.Subscribe(context.Background(), "doc-3", SubscribeOptions{})
	var closed common.ErrRoomClosed
	require.ErrorAs(t, err, &closed)

	require.NoError(t, m.Close(ctx))
}

func TestCrossInstanceRelay(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	defer bus.Close()
	store := storage.NewMemoryGateway()

	optsA := fastOptions()
	optsA.Bus = bus
	optsA.NodeID = 1
	optsB := fastOptions()
	optsB.Bus = bus
	optsB.NodeID = 2

	mA := newManager(t, store, optsA)
	mB := newManager(t, store, optsB)

	h1 := subscribe(t, mA, "doc", SubscribeOptions{DisplayName: "Ann"})
	h2 := subscribe(t, mB, "doc", SubscribeOptions{DisplayName: "Ben"})

	// Edits cross the instance boundary through the bus.
	id, err := h1.Insert(common.RootID, "hi ")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h2.Text() == "hi " }, waitFor, tick)

	_, err = h2.Insert(id, "there")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h1.Text() == "hi there" && h2.Text() == "hi there"
	}, waitFor, tick)

	// Presence crosses too.
	require.Eventually(t, func() bool {
		for _, e := range h2.Peers() {
			if e.DisplayName == "Ann" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}
