package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DavinciDreams/ai-notes-sub000/awareness"
	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
	"github.com/DavinciDreams/ai-notes-sub000/wire"
)

// SubscribeOptions configures an in-process subscription.
type SubscribeOptions struct {
	// UserID, DisplayName and Color seed the subscriber's presence entry.
	// With an empty identity no initial presence is published.
	UserID      string
	DisplayName string
	Color       string

	// OnUpdate is invoked from the handle's loop for every remote update
	// accepted into the local document. It must not block and must not call
	// back into the handle.
	OnUpdate func(*crdt.Update)

	// OnAwareness is invoked for every remote awareness record.
	OnAwareness func(*awareness.Record)

	// OnResync is invoked after the local document has been replaced
	// wholesale by a snapshot catch-up.
	OnResync func()

	// QueueSize overrides the transport queue bound for this subscription.
	QueueSize int
}

// Subscribe opens an in-process subscription to a room: a private document
// replica, a presence view and a duplex pipe into the room. Local edits
// apply to the replica immediately and replicate asynchronously.
func (m *Manager) Subscribe(ctx context.Context, roomID string, opts SubscribeOptions) (*Handle, error) {
	qs := opts.QueueSize
	if qs <= 0 {
		qs = m.opts.SendQueueSize
	}
	client, server := transport.Pipe(qs)
	if err := m.Attach(ctx, roomID, server); err != nil {
		_ = client.Close()
		return nil, err
	}

	clientID := common.ClientID(m.node.Generate().Int64())
	h := &Handle{
		id:       uuid.New(),
		room:     roomID,
		clientID: clientID,
		conn:     client,
		opts:     opts,
		aopts:    m.opts.Awareness,
		log:      m.log,
		doc:      crdt.NewDocument(clientID),
		presence: awareness.NewStore(clientID, m.opts.Awareness),
		cmds:     make(chan handleCmd),
		frames:   make(chan []byte),
		done:     make(chan struct{}),
	}
	go h.readLoop()
	go h.run()
	return h, nil
}

// Handle is one client's live subscription to a room. All methods are safe
// for concurrent use; they execute on the handle's loop goroutine, which
// also owns the local document replica.
type Handle struct {
	id       uuid.UUID
	room     string
	clientID common.ClientID
	conn     transport.Connector
	opts     SubscribeOptions
	aopts    awareness.StoreOptions
	log      *zap.Logger

	cmds   chan handleCmd
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	// Loop-owned state.
	doc      *crdt.Document
	presence *awareness.Store
	resync   bool
}

type handleCmd struct {
	fn    func() error
	reply chan error
}

func (h *Handle) run() {
	defer close(h.done)

	flush := time.NewTicker(h.aopts.DebounceInterval)
	defer flush.Stop()
	// Re-broadcasting presence keeps the entry alive in the peers' sweeps
	// while the subscription idles.
	heartbeat := time.NewTicker(h.aopts.Timeout / 3)
	defer heartbeat.Stop()

	_ = h.sendFrame(wire.EncodeSyncStep1(h.doc.Version()))
	if h.opts.UserID != "" || h.opts.DisplayName != "" {
		_ = h.publishPresence(awareness.Entry{
			UserID:      h.opts.UserID,
			DisplayName: h.opts.DisplayName,
			Color:       h.opts.Color,
		})
	}

	for {
		select {
		case cmd := <-h.cmds:
			cmd.reply <- cmd.fn()
		case frame, ok := <-h.frames:
			if !ok {
				return
			}
			h.handleFrame(frame)
		case <-flush.C:
			h.flushPresence()
		case <-heartbeat.C:
			h.heartbeat()
		}
	}
}

func (h *Handle) readLoop() {
	defer close(h.frames)
	for {
		frame, err := h.conn.Receive(context.Background())
		if err != nil {
			return
		}
		select {
		case h.frames <- frame:
		case <-h.done:
			return
		}
	}
}

// do runs fn on the loop goroutine and returns its result.
func (h *Handle) do(fn func() error) error {
	cmd := handleCmd{fn: fn, reply: make(chan error, 1)}
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return common.ErrHandleClosed{}
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-h.done:
		return common.ErrHandleClosed{}
	}
}

// sendFrame queues one frame to the room. An overflowing queue schedules a
// re-sync so the dropped frame cannot silently desynchronize the replica.
func (h *Handle) sendFrame(frame []byte) error {
	err := h.conn.Send(frame)
	if err == nil {
		return nil
	}
	var slow common.ErrSlowConsumer
	if errors.As(err, &slow) {
		h.resync = true
		h.log.Warn("subscription queue full; scheduling re-sync",
			zap.String("room", h.room),
			zap.Error(err))
	}
	return err
}

func (h *Handle) handleFrame(raw []byte) {
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		h.log.Warn("dropping malformed frame",
			zap.String("room", h.room),
			zap.Error(err))
		return
	}
	switch f.Kind {
	case common.FrameSyncStep1:
		h.handleSyncStep1(f.Body)
	case common.FrameSyncStep2:
		h.handleSyncStep2(f.Body)
	case common.FrameUpdate:
		h.handleUpdate(f.Body)
	case common.FrameAwareness:
		h.handleAwareness(f.Body)
	}
}

// handleSyncStep1 answers the room's request for anything the room lacks.
func (h *Handle) handleSyncStep1(body []byte) {
	vv, err := wire.DecodeSyncStep1(body)
	if err != nil {
		h.log.Warn("dropping malformed sync request",
			zap.String("room", h.room),
			zap.Error(err))
		return
	}
	updates, err := h.doc.Diff(vv)
	if err != nil {
		_ = h.sendFrame(wire.EncodeSyncStep2Snapshot(h.doc.SnapshotState()))
		return
	}
	_ = h.sendFrame(wire.EncodeSyncStep2Updates(updates))
}

func (h *Handle) handleSyncStep2(body []byte) {
	step, err := wire.DecodeSyncStep2(body)
	if err != nil {
		h.log.Warn("dropping malformed catch-up reply",
			zap.String("room", h.room),
			zap.Error(err))
		return
	}
	if step.Snapshot != nil {
		// Salvage every update the snapshot does not cover before replacing
		// the document, then push the salvaged updates back to the room so a
		// full-state catch-up cannot lose local edits still in flight.
		mine, derr := h.doc.Diff(step.Snapshot.Version)
		if derr != nil {
			mine = nil
		}
		h.doc.Restore(step.Snapshot)
		for _, u := range mine {
			_ = h.doc.ApplyRemote(u)
		}
		if len(mine) > 0 {
			_ = h.sendFrame(wire.EncodeSyncStep2Updates(mine))
		}
		if h.opts.OnResync != nil {
			h.opts.OnResync()
		}
		return
	}
	for _, u := range step.Updates {
		h.applyRemote(u)
	}
}

func (h *Handle) handleUpdate(body []byte) {
	u, err := wire.DecodeUpdateFrame(body)
	if err != nil {
		h.log.Warn("dropping malformed update",
			zap.String("room", h.room),
			zap.Error(err))
		return
	}
	h.applyRemote(u)
}

func (h *Handle) applyRemote(u *crdt.Update) {
	if h.doc.Covers(u.ID) {
		return
	}
	err := h.doc.ApplyRemote(u)
	var gap common.ErrCausalGap
	switch {
	case err == nil:
		if h.opts.OnUpdate != nil {
			h.opts.OnUpdate(u)
		}
	case errors.As(err, &gap):
		_ = h.sendFrame(wire.EncodeSyncStep1(h.doc.Version()))
	default:
		h.log.Warn("dropping invalid update",
			zap.String("room", h.room),
			zap.Error(err))
	}
}

func (h *Handle) handleAwareness(body []byte) {
	rec, err := awareness.DecodeRecord(body)
	if err != nil {
		h.log.Warn("dropping malformed awareness record",
			zap.String("room", h.room),
			zap.Error(err))
		return
	}
	h.presence.ApplyRemote(rec, time.Now())
	if h.opts.OnAwareness != nil {
		h.opts.OnAwareness(rec)
	}
}

func (h *Handle) publishPresence(e awareness.Entry) error {
	rec, ok := h.presence.SetLocal(e, time.Now())
	if !ok {
		// Held back by the debounce interval; flushPresence releases it.
		return nil
	}
	frame, err := encodeAwarenessFrame(rec)
	if err != nil {
		return err
	}
	return h.sendFrame(frame)
}

func (h *Handle) flushPresence() {
	if h.resync {
		if err := h.conn.Send(wire.EncodeSyncStep1(h.doc.Version())); err == nil {
			h.resync = false
		}
	}
	rec, ok := h.presence.Flush(time.Now())
	if !ok {
		return
	}
	if frame, err := encodeAwarenessFrame(rec); err == nil {
		_ = h.sendFrame(frame)
	}
}

func (h *Handle) heartbeat() {
	e, ok := h.presence.Get(h.clientID)
	if !ok {
		return
	}
	rec := &awareness.Record{Kind: awareness.RecordUpsert, Entry: &e}
	if frame, err := encodeAwarenessFrame(rec); err == nil {
		_ = h.sendFrame(frame)
	}
}

// Insert inserts content after the given block and returns the new block's
// ID. The nil (root) ID inserts at the head of the document.
func (h *Handle) Insert(after common.ItemID, content string) (common.ItemID, error) {
	var id common.ItemID
	err := h.do(func() error {
		u, err := h.doc.ApplyLocalInsert(after, content)
		if err != nil {
			return err
		}
		id = u.ID
		return h.sendFrame(wire.EncodeUpdateFrame(u))
	})
	return id, err
}

// InsertAt inserts content so it becomes the index-th visible block.
func (h *Handle) InsertAt(index int, content string) (common.ItemID, error) {
	var id common.ItemID
	err := h.do(func() error {
		u, err := h.doc.ApplyLocalInsertAt(index, content)
		if err != nil {
			return err
		}
		id = u.ID
		return h.sendFrame(wire.EncodeUpdateFrame(u))
	})
	return id, err
}

// Delete tombstones every live block between from and to, inclusive.
func (h *Handle) Delete(from, to common.ItemID) error {
	return h.do(func() error {
		u, err := h.doc.ApplyLocalDelete(from, to)
		if err != nil {
			return err
		}
		return h.sendFrame(wire.EncodeUpdateFrame(u))
	})
}

// SetAttr sets one attribute on a block.
func (h *Handle) SetAttr(target common.ItemID, key, value string) error {
	return h.do(func() error {
		u, err := h.doc.ApplyLocalSetAttr(target, key, value)
		if err != nil {
			return err
		}
		return h.sendFrame(wire.EncodeUpdateFrame(u))
	})
}

// SetAwareness publishes the local presence entry: identity, cursor and
// selection. Rapid successive calls are debounced.
func (h *Handle) SetAwareness(e awareness.Entry) error {
	return h.do(func() error {
		return h.publishPresence(e)
	})
}

// Resync requests a fresh catch-up exchange with the room.
func (h *Handle) Resync() error {
	return h.do(func() error {
		return h.sendFrame(wire.EncodeSyncStep1(h.doc.Version()))
	})
}

// Text returns the replica's visible content, or "" once the handle closed.
func (h *Handle) Text() string {
	var text string
	_ = h.do(func() error {
		text = h.doc.Text()
		return nil
	})
	return text
}

// Blocks returns the replica's visible blocks in document order.
func (h *Handle) Blocks() []crdt.BlockView {
	var blocks []crdt.BlockView
	_ = h.do(func() error {
		blocks = h.doc.Blocks()
		return nil
	})
	return blocks
}

// Version returns a copy of the replica's version vector.
func (h *Handle) Version() common.VersionVector {
	var v common.VersionVector
	_ = h.do(func() error {
		v = h.doc.Version()
		return nil
	})
	return v
}

// Peers returns the room's current presence entries, the local one included.
func (h *Handle) Peers() []awareness.Entry {
	var entries []awareness.Entry
	_ = h.do(func() error {
		entries = h.presence.Entries()
		return nil
	})
	return entries
}

// ClientID returns the replica ID allocated to this subscription.
func (h *Handle) ClientID() common.ClientID {
	return h.clientID
}

// ID returns the subscription's handle ID.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Room returns the subscribed room's ID.
func (h *Handle) Room() string {
	return h.room
}

// Close ends the subscription. The room drops the member and announces the
// removal of its presence entry. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.once.Do(func() {
		_ = h.conn.Close()
	})
	return nil
}

// Done is closed once the handle's loop has stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
