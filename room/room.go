// Package room implements the session manager: it tracks which clients are
// subscribed to which document, runs one event loop per room that owns the
// room's document replica and presence state, fans updates and awareness
// changes out between members, and drives snapshot persistence through the
// storage gateway.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DavinciDreams/ai-notes-sub000/awareness"
	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/DavinciDreams/ai-notes-sub000/pubsub"
	"github.com/DavinciDreams/ai-notes-sub000/storage"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
	"github.com/DavinciDreams/ai-notes-sub000/wire"
)

const (
	inboxSize      = 256
	relayQueueSize = 256
)

// room runs one document's session. Everything below the mutex block is
// owned by the run goroutine; no other goroutine touches it.
type room struct {
	id       string
	opts     Options
	log      *zap.Logger
	store    storage.Gateway
	bus      pubsub.Bus
	instance uuid.UUID
	node     *snowflake.Node

	inbox  chan envelope
	pubCh  chan []byte
	done   chan struct{}
	onStop func()

	// mu guards the join accounting shared with subscribers. The loop exits
	// only when no join is in flight, so an admitted join is never lost.
	mu           sync.Mutex
	dead         bool
	pendingJoins int

	state    State
	doc      *crdt.Document
	presence *awareness.Store
	members  map[snowflake.ID]*member
	loadBuf  []envelope
	closing  bool

	saveSeq   uint64
	drainSeq  uint64
	lastSaved common.VersionVector
}

// newRoom creates a room in StateLoading. start launches its loop.
func newRoom(id string, store storage.Gateway, node *snowflake.Node, instance uuid.UUID, opts Options, onStop func()) *room {
	return &room{
		id:       id,
		opts:     opts,
		log:      opts.Logger,
		store:    store,
		bus:      opts.Bus,
		instance: instance,
		node:     node,
		inbox:    make(chan envelope, inboxSize),
		pubCh:    make(chan []byte, relayQueueSize),
		done:     make(chan struct{}),
		onStop:   onStop,
		state:    StateLoading,
		presence: awareness.NewStore(common.NilClientID, opts.Awareness),
		members:  make(map[snowflake.ID]*member),
	}
}

func (r *room) start() {
	go r.run()
}

func (r *room) run() {
	autosave := time.NewTicker(r.opts.AutosaveInterval)
	defer autosave.Stop()
	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()

	if r.bus != nil {
		unsub, err := r.bus.Subscribe(context.Background(), r.id, func(frame []byte) {
			r.deliver(envelope{kind: envRelay, frame: frame})
		})
		if err != nil {
			r.log.Warn("cross-instance relay unavailable",
				zap.String("room", r.id),
				zap.Error(err))
		} else {
			defer unsub()
		}
		go r.publishLoop()
	}

	go r.loadSnapshot()

	for {
		select {
		case env := <-r.inbox:
			r.handleEnvelope(env)
		case <-autosave.C:
			r.handleAutosave()
		case <-sweep.C:
			r.handleSweep()
		}
		if r.state == StateEmpty && r.tryStop() {
			return
		}
	}
}

// tryStop finalizes the room unless a join is in flight, in which case the
// room returns to Active with its state kept in memory.
func (r *room) tryStop() bool {
	r.mu.Lock()
	if r.pendingJoins > 0 {
		r.mu.Unlock()
		r.setState(StateActive)
		return false
	}
	r.dead = true
	r.mu.Unlock()

	if r.onStop != nil {
		r.onStop()
	}
	close(r.done)
	r.log.Info("room closed", zap.String("room", r.id))
	return true
}

func (r *room) setState(s State) {
	if r.state == s {
		return
	}
	r.log.Debug("room state changed",
		zap.String("room", r.id),
		zap.Stringer("from", r.state),
		zap.Stringer("to", s))
	r.state = s
}

func (r *room) isDead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

func (r *room) pendingJoinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingJoins
}

// join registers a connector with the room, blocking until the loop admits
// it. ErrRoomClosed means the room stopped first; the caller retries against
// a fresh room.
func (r *room) join(ctx context.Context, conn transport.Connector) error {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return common.ErrRoomClosed{Room: r.id}
	}
	r.pendingJoins++
	r.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case r.inbox <- envelope{kind: envJoin, conn: conn, reply: reply}:
	case <-ctx.Done():
		r.mu.Lock()
		r.pendingJoins--
		r.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown asks the room to disconnect everyone and drain. Callers wait on
// done for completion.
func (r *room) shutdown() {
	r.deliver(envelope{kind: envShutdown})
}

// deliver queues an event for the loop, giving up once the room has stopped.
func (r *room) deliver(env envelope) {
	select {
	case r.inbox <- env:
	case <-r.done:
	}
}

// readLoop pumps one member's frames into the inbox until the connection
// fails or closes.
func (r *room) readLoop(session snowflake.ID, conn transport.Connector) {
	for {
		frame, err := conn.Receive(context.Background())
		if err != nil {
			r.deliver(envelope{kind: envLeave, session: session})
			return
		}
		r.deliver(envelope{kind: envFrame, session: session, frame: frame})
	}
}

func (r *room) handleEnvelope(env envelope) {
	switch env.kind {
	case envJoin:
		r.handleJoin(env)
	case envLeave:
		r.handleLeave(env.session)
	case envFrame:
		r.handleFrame(env.session, env.frame)
	case envLoaded:
		r.handleLoaded(env.data, env.err)
	case envSaved:
		r.handleSaved(env)
	case envRelay:
		r.handleRelay(env.frame)
	case envShutdown:
		r.handleShutdown()
	}
}

func (r *room) handleJoin(env envelope) {
	r.mu.Lock()
	r.pendingJoins--
	r.mu.Unlock()

	if r.closing {
		env.reply <- common.ErrRoomClosed{Room: r.id}
		return
	}

	id := r.node.Generate()
	m := &member{session: id, conn: env.conn, vector: common.NewVersionVector()}
	r.members[id] = m
	if r.state == StateDraining {
		// The drain is aborted; the document never left memory. A final
		// save already in flight completes harmlessly.
		r.setState(StateActive)
		r.log.Info("drain aborted by new subscription", zap.String("room", r.id))
	}
	go r.readLoop(id, env.conn)
	env.reply <- nil
	r.log.Info("member joined",
		zap.String("room", r.id),
		zap.Int64("session", int64(id)),
		zap.Int("members", len(r.members)))
}

func (r *room) handleLeave(session snowflake.ID) {
	m, ok := r.members[session]
	if !ok {
		return
	}
	delete(r.members, session)
	_ = m.conn.Close()
	r.removePresence(m)
	r.log.Info("member left",
		zap.String("room", r.id),
		zap.Int64("session", int64(session)),
		zap.Int("members", len(r.members)))
	if len(r.members) == 0 && r.state == StateActive {
		r.startDrain()
	}
}

// drop forcibly disconnects a misbehaving or unreachable member.
func (r *room) drop(m *member, cause error) {
	if _, ok := r.members[m.session]; !ok {
		return
	}
	delete(r.members, m.session)
	_ = m.conn.Close()
	r.log.Warn("member disconnected",
		zap.String("room", r.id),
		zap.Int64("session", int64(m.session)),
		zap.Error(cause))
	r.removePresence(m)
	if len(r.members) == 0 && r.state == StateActive {
		r.startDrain()
	}
}

// removePresence drops a departed member's awareness entry and tells the
// remaining members.
func (r *room) removePresence(m *member) {
	if m.client == common.NilClientID {
		return
	}
	rec, ok := r.presence.Remove(m.client)
	if !ok {
		return
	}
	if frame, err := encodeAwarenessFrame(rec); err == nil {
		r.broadcastExcept(frame, m.session, common.NilID)
		r.publish(frame)
	}
}

func (r *room) handleFrame(session snowflake.ID, raw []byte) {
	m, ok := r.members[session]
	if !ok {
		return
	}
	if r.state == StateLoading {
		r.loadBuf = append(r.loadBuf, envelope{kind: envFrame, session: session, frame: raw})
		return
	}

	f, err := wire.DecodeFrame(raw)
	if err != nil {
		r.decodeFailure(m, err)
		return
	}
	switch f.Kind {
	case common.FrameSyncStep1:
		r.handleSyncStep1(m, f.Body)
	case common.FrameSyncStep2:
		r.handleSyncStep2(m, f.Body)
	case common.FrameUpdate:
		r.handleUpdate(m, raw, f.Body)
	case common.FrameAwareness:
		r.handleAwareness(m, raw, f.Body)
	}
}

// decodeFailure logs a malformed frame and disconnects the member once it
// crosses the failure threshold.
func (r *room) decodeFailure(m *member, err error) {
	m.decodeErrs++
	r.log.Warn("dropping malformed frame",
		zap.String("room", r.id),
		zap.Int64("session", int64(m.session)),
		zap.Int("failures", m.decodeErrs),
		zap.Error(err))
	if m.decodeErrs >= r.opts.DecodeErrorLimit {
		r.drop(m, err)
	}
}

// handleSyncStep1 answers a member's catch-up request: the updates it is
// missing, or the full state when that history is pruned, then the room's
// own vector so the member pushes back anything the room lacks, then the
// current presence entries.
func (r *room) handleSyncStep1(m *member, body []byte) {
	vv, err := wire.DecodeSyncStep1(body)
	if err != nil {
		r.decodeFailure(m, err)
		return
	}
	m.vector.Merge(vv)

	var reply []byte
	updates, err := r.doc.Diff(vv)
	if err != nil {
		reply = wire.EncodeSyncStep2Snapshot(r.doc.SnapshotState())
		r.log.Debug("serving snapshot catch-up",
			zap.String("room", r.id),
			zap.Int64("session", int64(m.session)))
	} else {
		reply = wire.EncodeSyncStep2Updates(updates)
	}
	if !r.send(m, reply) {
		return
	}
	if !r.send(m, wire.EncodeSyncStep1(r.doc.Version())) {
		return
	}

	entries := r.presence.Entries()
	for i := range entries {
		frame, err := encodeAwarenessFrame(&awareness.Record{
			Kind:  awareness.RecordUpsert,
			Entry: &entries[i],
		})
		if err != nil {
			continue
		}
		if !r.send(m, frame) {
			return
		}
	}

	m.vector.Merge(r.doc.Version())
	m.synced = true
}

// handleSyncStep2 merges a member's catch-up reply into the room.
func (r *room) handleSyncStep2(m *member, body []byte) {
	step, err := wire.DecodeSyncStep2(body)
	if err != nil {
		r.decodeFailure(m, err)
		return
	}

	if step.Snapshot != nil {
		// A full-state reply can only seed a document with no history of
		// its own; merging two full states is not supported.
		if len(r.doc.Version()) == 0 && r.syncedPeers(m.session) == 0 {
			r.doc.Restore(step.Snapshot)
			r.lastSaved = nil
			r.log.Info("document seeded from member state",
				zap.String("room", r.id),
				zap.Int64("session", int64(m.session)))
		} else {
			r.log.Warn("ignoring full-state reply into a live document",
				zap.String("room", r.id),
				zap.Int64("session", int64(m.session)))
		}
		return
	}

	for _, u := range step.Updates {
		if r.doc.Covers(u.ID) {
			continue
		}
		if err := r.doc.ApplyRemote(u); err != nil {
			var gap common.ErrCausalGap
			if errors.As(err, &gap) {
				r.log.Warn("causal gap in catch-up reply",
					zap.String("room", r.id),
					zap.Int64("session", int64(m.session)),
					zap.Error(err))
				r.send(m, wire.EncodeSyncStep1(r.doc.Version()))
			} else {
				r.decodeFailure(m, err)
			}
			return
		}
		m.vector.Bump(u.ID)
		frame := wire.EncodeUpdateFrame(u)
		r.broadcastExcept(frame, m.session, u.ID)
		r.publish(frame)
	}
}

// handleUpdate merges one live update and forwards the member's frame
// verbatim, preserving the origin's FIFO order for every peer.
func (r *room) handleUpdate(m *member, raw, body []byte) {
	u, err := wire.DecodeUpdateFrame(body)
	if err != nil {
		r.decodeFailure(m, err)
		return
	}
	if m.client == common.NilClientID {
		m.client = u.ID.Client
	}
	if r.doc.Covers(u.ID) {
		return
	}

	err = r.doc.ApplyRemote(u)
	var gap common.ErrCausalGap
	switch {
	case err == nil:
		m.vector.Bump(u.ID)
		r.broadcastExcept(raw, m.session, u.ID)
		r.publish(raw)
	case errors.As(err, &gap):
		r.log.Warn("causal gap; requesting re-sync",
			zap.String("room", r.id),
			zap.Int64("session", int64(m.session)),
			zap.Error(err))
		r.send(m, wire.EncodeSyncStep1(r.doc.Version()))
	default:
		r.decodeFailure(m, err)
	}
}

func (r *room) handleAwareness(m *member, raw, body []byte) {
	rec, err := awareness.DecodeRecord(body)
	if err != nil {
		r.decodeFailure(m, err)
		return
	}
	if m.client == common.NilClientID {
		switch rec.Kind {
		case awareness.RecordUpsert:
			m.client = rec.Entry.ClientID
		case awareness.RecordRemove:
			m.client = rec.ClientID
		}
	}
	r.presence.ApplyRemote(rec, time.Now())
	r.broadcastExcept(raw, m.session, common.NilID)
	r.publish(raw)
}

// handleRelay merges a frame published by another instance and forwards it
// to local members only.
func (r *room) handleRelay(frame []byte) {
	if len(frame) < len(r.instance) {
		return
	}
	var origin uuid.UUID
	copy(origin[:], frame[:len(origin)])
	if origin == r.instance {
		return
	}
	if r.state == StateLoading {
		r.loadBuf = append(r.loadBuf, envelope{kind: envRelay, frame: frame})
		return
	}

	body := frame[len(origin):]
	f, err := wire.DecodeFrame(body)
	if err != nil {
		r.log.Warn("dropping malformed relay frame",
			zap.String("room", r.id),
			zap.Error(err))
		return
	}
	switch f.Kind {
	case common.FrameUpdate:
		u, err := wire.DecodeUpdateFrame(f.Body)
		if err != nil {
			r.log.Warn("dropping malformed relayed update",
				zap.String("room", r.id),
				zap.Error(err))
			return
		}
		if r.doc.Covers(u.ID) {
			return
		}
		if err := r.doc.ApplyRemote(u); err != nil {
			var gap common.ErrCausalGap
			if errors.As(err, &gap) {
				// The missing history lives on another instance; members
				// re-syncing through this room supply it eventually.
				r.log.Warn("causal gap in relayed update",
					zap.String("room", r.id),
					zap.Error(err))
			}
			return
		}
		r.broadcastExcept(body, 0, u.ID)
	case common.FrameAwareness:
		rec, err := awareness.DecodeRecord(f.Body)
		if err != nil {
			return
		}
		r.presence.ApplyRemote(rec, time.Now())
		r.broadcastExcept(body, 0, common.NilID)
	}
}

// handleLoaded finishes StateLoading: the document is restored from the
// stored snapshot (or starts empty) and the frames buffered during the load
// replay in arrival order.
func (r *room) handleLoaded(data []byte, err error) {
	if r.state != StateLoading {
		return
	}

	doc := crdt.NewDocument(common.NilClientID)
	switch {
	case err == nil:
		s, derr := wire.DecodeSnapshot(data)
		if derr != nil {
			r.log.Error("stored snapshot is corrupt; starting empty",
				zap.String("room", r.id),
				zap.Error(derr))
		} else {
			doc.Restore(s)
			r.lastSaved = s.Version.Clone()
		}
	case isNotFound(err):
		r.log.Info("no stored snapshot; starting empty", zap.String("room", r.id))
	default:
		r.log.Error("snapshot load failed; starting empty",
			zap.String("room", r.id),
			zap.Error(common.ErrPersistence{Op: "load", Room: r.id, Err: err}))
	}
	r.doc = doc
	r.setState(StateActive)
	r.log.Info("room active",
		zap.String("room", r.id),
		zap.Int("members", len(r.members)))

	buf := r.loadBuf
	r.loadBuf = nil
	for _, env := range buf {
		switch env.kind {
		case envFrame:
			r.handleFrame(env.session, env.frame)
		case envRelay:
			r.handleRelay(env.frame)
		}
	}

	if r.closing {
		r.startDrain()
	}
}

func (r *room) handleSaved(env envelope) {
	final := r.state == StateDraining && env.seq == r.drainSeq
	if env.err != nil {
		perr := common.ErrPersistence{Op: "save", Room: r.id, Err: env.err}
		if final {
			r.log.Error("final snapshot flush failed; discarding in-memory state",
				zap.String("room", r.id),
				zap.Error(perr))
			r.setState(StateEmpty)
		} else {
			r.log.Error("periodic snapshot flush failed",
				zap.String("room", r.id),
				zap.Error(perr))
		}
		return
	}

	if r.lastSaved == nil || env.vector.CoversVector(r.lastSaved) {
		r.lastSaved = env.vector
	}
	r.log.Debug("snapshot saved", zap.String("room", r.id))
	if final {
		r.setState(StateEmpty)
		r.log.Info("room drained", zap.String("room", r.id))
	}
}

func (r *room) handleShutdown() {
	if r.closing {
		return
	}
	r.closing = true
	for _, m := range r.members {
		_ = m.conn.Close()
	}
	r.members = make(map[snowflake.ID]*member)
	if r.state == StateActive {
		r.startDrain()
	}
}

// handleAutosave collects acknowledged tombstones, bounds the backlog and
// flushes a snapshot when the document changed since the last save.
func (r *room) handleAutosave() {
	if r.state != StateActive {
		return
	}
	if len(r.members) == 0 && r.pendingJoinCount() == 0 {
		// An aborted subscription left the room idle; drain it.
		r.startDrain()
		return
	}

	safe := r.safeVector()
	if r.doc.LogLen() > r.opts.MaxBacklog {
		// Catch-up for peers behind the pruned window falls back to a full
		// snapshot transfer.
		safe = r.doc.Version()
	}
	if n := r.doc.CollectGarbage(safe); n > 0 {
		r.log.Debug("collected tombstones",
			zap.String("room", r.id),
			zap.Int("count", n))
	}

	if r.doc.Version().Equal(r.lastSaved) {
		return
	}
	r.saveSeq++
	go r.periodicSave(r.saveSeq, r.doc.SnapshotState())
}

func (r *room) handleSweep() {
	if r.state != StateActive || r.presence.Len() == 0 {
		return
	}
	for _, rec := range r.presence.Sweep(time.Now()) {
		r.log.Debug("awareness entry expired",
			zap.String("room", r.id),
			zap.Uint64("client", uint64(rec.ClientID)))
		if frame, err := encodeAwarenessFrame(rec); err == nil {
			r.broadcastExcept(frame, 0, common.NilID)
			r.publish(frame)
		}
	}
}

// startDrain flushes the final snapshot. The room reaches StateEmpty when
// the flush lands, fails for good or turns out to be unnecessary.
func (r *room) startDrain() {
	r.setState(StateDraining)
	if r.doc.Version().Equal(r.lastSaved) {
		r.setState(StateEmpty)
		r.log.Info("room drained", zap.String("room", r.id))
		return
	}
	r.saveSeq++
	r.drainSeq = r.saveSeq
	go r.drainSave(r.drainSeq, r.doc.SnapshotState())
	r.log.Info("room draining", zap.String("room", r.id))
}

// send enqueues one frame to a member, dropping the member on failure. It
// reports whether the member is still connected.
func (r *room) send(m *member, frame []byte) bool {
	if err := m.conn.Send(frame); err != nil {
		r.drop(m, err)
		return false
	}
	return true
}

// broadcastExcept fans one frame out to every synced member but the origin.
// applied, when set, marks the update delivered in each member's vector.
// Members whose queues overflowed are dropped afterward.
func (r *room) broadcastExcept(frame []byte, except snowflake.ID, applied common.ItemID) {
	type failure struct {
		m   *member
		err error
	}
	var failed []failure
	for _, m := range r.members {
		if m.session == except || !m.synced {
			continue
		}
		if err := m.conn.Send(frame); err != nil {
			failed = append(failed, failure{m: m, err: err})
			continue
		}
		if !applied.IsNil() {
			m.vector.Bump(applied)
		}
	}
	for _, f := range failed {
		r.drop(f.m, f.err)
	}
}

func (r *room) syncedPeers(except snowflake.ID) int {
	n := 0
	for _, m := range r.members {
		if m.session != except && m.synced {
			n++
		}
	}
	return n
}

// safeVector returns the meet of the members' estimated vectors: the horizon
// every connected member has acknowledged, below which tombstones may go.
func (r *room) safeVector() common.VersionVector {
	safe := r.doc.Version()
	for c := range safe {
		low := safe[c]
		for _, m := range r.members {
			if k := m.vector.Get(c); k < low {
				low = k
			}
		}
		if low == 0 {
			delete(safe, c)
		} else {
			safe[c] = low
		}
	}
	return safe
}

// publish forwards an applied frame to the relay bus, tagged with this
// instance so it is not re-applied when it echoes back.
func (r *room) publish(frame []byte) {
	if r.bus == nil {
		return
	}
	env := make([]byte, 0, len(r.instance)+len(frame))
	env = append(env, r.instance[:]...)
	env = append(env, frame...)
	select {
	case r.pubCh <- env:
	default:
		r.log.Warn("relay queue full; dropping frame", zap.String("room", r.id))
	}
}

// publishLoop ships queued relay frames to the bus in order.
func (r *room) publishLoop() {
	for {
		select {
		case frame := <-r.pubCh:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
			err := r.bus.Publish(ctx, r.id, frame)
			cancel()
			if err != nil {
				r.log.Warn("relay publish failed",
					zap.String("room", r.id),
					zap.Error(err))
			}
		case <-r.done:
			return
		}
	}
}

func (r *room) loadSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
	defer cancel()
	data, err := r.store.Load(ctx, r.id)
	r.deliver(envelope{kind: envLoaded, data: data, err: err})
}

func (r *room) periodicSave(seq uint64, snap *crdt.Snapshot) {
	data := wire.EncodeSnapshot(snap)
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
	defer cancel()
	err := r.store.Save(ctx, r.id, data)
	r.deliver(envelope{kind: envSaved, seq: seq, vector: snap.Version, err: err})
}

// drainSave retries the final flush with exponential backoff until it lands
// or the drain budget runs out.
func (r *room) drainSave(seq uint64, snap *crdt.Snapshot) {
	data := wire.EncodeSnapshot(snap)
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
		defer cancel()
		return r.store.Save(ctx, r.id, data)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.DrainRetryInterval
	policy.MaxElapsedTime = r.opts.DrainTimeout
	err := backoff.Retry(op, policy)
	r.deliver(envelope{kind: envSaved, seq: seq, vector: snap.Version, err: err})
}

func encodeAwarenessFrame(rec *awareness.Record) ([]byte, error) {
	payload, err := awareness.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return wire.EncodeAwarenessFrame(payload), nil
}

func isNotFound(err error) bool {
	var nf common.ErrNotFound
	return errors.As(err, &nf)
}
