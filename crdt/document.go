package crdt

import (
	"sort"
	"strings"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// Document represents one replica of a collaborative document. It owns the
// replicated block sequence, the version vector, the applied-update log used
// for catch-up diffs, and the buffer for causally premature remote updates.
//
// A Document is not safe for concurrent use. Every replica is owned by a
// single task: the room's event loop on the server, the subscription handle
// on a client.
type Document struct {
	client common.ClientID

	// blocks is the replicated sequence in document order, tombstones
	// included. index maps every block ID to its block.
	blocks []*Block
	index  map[common.ItemID]*Block

	// version records, per client, the highest clock value incorporated.
	// Clocks are dense per client, so version.Get(c)+1 is always the next
	// update expected from c.
	version common.VersionVector

	// log holds applied updates per client in clock order, starting at
	// logFloor[c]+1. Entries below the floor have been pruned; peers that
	// far behind are served a full snapshot instead of a diff.
	log      map[common.ClientID][]*Update
	logFloor map[common.ClientID]uint64

	// attrClock is the highest attribute-write stamp incorporated. Local
	// attribute writes stamp themselves one past it, so a write that saw a
	// value always outranks it.
	attrClock uint64

	// pending buffers remote updates whose dependencies have not arrived.
	pending map[common.ItemID]*Update
}

// NewDocument creates an empty document replica owned by the given client.
func NewDocument(client common.ClientID) *Document {
	return &Document{
		client:   client,
		index:    make(map[common.ItemID]*Block),
		version:  common.NewVersionVector(),
		log:      make(map[common.ClientID][]*Update),
		logFloor: make(map[common.ClientID]uint64),
		pending:  make(map[common.ItemID]*Update),
	}
}

// Client returns the ID of the client owning this replica.
func (d *Document) Client() common.ClientID {
	return d.client
}

// Version returns a copy of the document's version vector.
func (d *Document) Version() common.VersionVector {
	return d.version.Clone()
}

// Covers reports whether the update with the given ID is already incorporated.
func (d *Document) Covers(id common.ItemID) bool {
	return d.version.Covers(id)
}

// PendingCount returns the number of buffered out-of-order updates.
func (d *Document) PendingCount() int {
	return len(d.pending)
}

// LogLen returns the total number of entries in the applied-update log, the
// in-memory backlog available for serving diffs.
func (d *Document) LogLen() int {
	n := 0
	for _, entries := range d.log {
		n += len(entries)
	}
	return n
}

// nextID allocates the next local operation ID.
func (d *Document) nextID() common.ItemID {
	return common.ItemID{Client: d.client, Clock: d.version.Get(d.client) + 1}
}

// ApplyLocalInsert inserts a new block after the given node and returns the
// update to broadcast. A nil (root) ID inserts at the head of the document.
// It fails with ErrInvalidPosition when the reference node is unknown.
//
// The update records both the left neighbor and the block that followed it at
// insertion time, so the position stays pinned between two stable nodes no
// matter what other clients insert concurrently.
func (d *Document) ApplyLocalInsert(after common.ItemID, content string) (*Update, error) {
	pos := 0
	if !after.IsNil() {
		pos = d.indexOf(after)
		if pos < 0 {
			return nil, common.ErrInvalidPosition{ID: after}
		}
		pos++
	}
	right := common.NilID
	if pos < len(d.blocks) {
		right = d.blocks[pos].ID
	}

	u := &Update{
		ID:          d.nextID(),
		Op:          common.OpInsert,
		Origin:      after,
		RightOrigin: right,
		Content:     content,
	}
	d.integrate(u)
	d.commit(u)
	return u, nil
}

// ApplyLocalInsertAt inserts a new block so that it becomes the index-th
// visible block. It is a convenience for editors that address positions by
// offset; the produced update is still expressed relative to a stable node ID.
func (d *Document) ApplyLocalInsertAt(index int, content string) (*Update, error) {
	if index < 0 {
		return nil, common.ErrInvalidPosition{}
	}
	after := common.RootID
	seen := 0
	for _, b := range d.blocks {
		if b.Deleted {
			continue
		}
		if seen == index {
			break
		}
		seen++
		after = b.ID
	}
	if seen < index {
		return nil, common.ErrInvalidPosition{}
	}
	return d.ApplyLocalInsert(after, content)
}

// ApplyLocalDelete tombstones every live block between from and to in
// document order, inclusive, and returns the update to broadcast. The update
// names the tombstoned IDs explicitly, so blocks inserted concurrently inside
// the range by other clients are never affected.
func (d *Document) ApplyLocalDelete(from, to common.ItemID) (*Update, error) {
	fb, ok := d.index[from]
	if !ok {
		return nil, common.ErrInvalidPosition{ID: from}
	}
	tb, ok := d.index[to]
	if !ok {
		return nil, common.ErrInvalidPosition{ID: to}
	}

	fi, ti := d.indexOf(fb.ID), d.indexOf(tb.ID)
	if fi > ti {
		fi, ti = ti, fi
	}

	u := &Update{
		ID: d.nextID(),
		Op: common.OpDelete,
	}
	for i := fi; i <= ti; i++ {
		if !d.blocks[i].Deleted {
			u.Targets = append(u.Targets, d.blocks[i].ID)
		}
	}
	d.integrate(u)
	d.commit(u)
	return u, nil
}

// ApplyLocalSetAttr sets one attribute on a block and returns the update to
// broadcast. Setting attributes on tombstoned blocks is allowed; the value is
// retained but not visible.
func (d *Document) ApplyLocalSetAttr(target common.ItemID, key, value string) (*Update, error) {
	if _, ok := d.index[target]; !ok {
		return nil, common.ErrInvalidPosition{ID: target}
	}

	u := &Update{
		ID:     d.nextID(),
		Op:     common.OpSetAttr,
		Target: target,
		Key:    key,
		Value:  value,
		Stamp:  d.attrClock + 1,
	}
	d.integrate(u)
	d.commit(u)
	return u, nil
}

// ApplyRemote incorporates an update produced by another replica.
//
// Re-applying an already-incorporated update is a no-op. An update whose
// dependencies are missing is buffered and applied once they arrive; if the
// update's clock leaves a hole in its origin's sequence the method also
// reports ErrCausalGap so the caller can request a re-sync.
func (d *Document) ApplyRemote(u *Update) error {
	if u == nil || u.ID.Client == common.NilClientID || u.ID.Clock == 0 {
		return common.ErrDecode{Reason: "update has no id"}
	}
	if !u.Op.Valid() {
		return common.ErrDecode{Reason: "update has invalid opcode"}
	}

	c, k := u.ID.Client, u.ID.Clock
	have := d.version.Get(c)
	if k <= have {
		// Already incorporated.
		return nil
	}
	if k != have+1 {
		d.pending[u.ID] = u
		return common.ErrCausalGap{Origin: c, Have: have, Got: k}
	}
	if !d.refsPresent(u) {
		d.pending[u.ID] = u
		return nil
	}

	d.integrate(u)
	d.commit(u)
	d.drainPending()
	return nil
}

// refsPresent reports whether every node the update references exists.
func (d *Document) refsPresent(u *Update) bool {
	switch u.Op {
	case common.OpInsert:
		if !u.Origin.IsNil() {
			if _, ok := d.index[u.Origin]; !ok {
				return false
			}
		}
		if !u.RightOrigin.IsNil() {
			if _, ok := d.index[u.RightOrigin]; !ok {
				return false
			}
		}
		return true
	case common.OpDelete:
		for _, t := range u.Targets {
			if _, ok := d.index[t]; !ok {
				return false
			}
		}
		return true
	case common.OpSetAttr:
		_, ok := d.index[u.Target]
		return ok
	default:
		return false
	}
}

// drainPending retries buffered updates until no further progress is made.
func (d *Document) drainPending() {
	for {
		progressed := false
		for id, u := range d.pending {
			have := d.version.Get(id.Client)
			if id.Clock <= have {
				delete(d.pending, id)
				continue
			}
			if id.Clock != have+1 || !d.refsPresent(u) {
				continue
			}
			d.integrate(u)
			d.commit(u)
			delete(d.pending, id)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// integrate mutates the block sequence according to the update. Dependencies
// must already be present.
func (d *Document) integrate(u *Update) {
	switch u.Op {
	case common.OpInsert:
		d.integrateBlock(&Block{
			ID:          u.ID,
			Origin:      u.Origin,
			RightOrigin: u.RightOrigin,
			Content:     u.Content,
		})
	case common.OpDelete:
		for _, t := range u.Targets {
			b := d.index[t]
			// Concurrent deletes of the same block settle on the lowest
			// deleter ID, keeping replicas byte-identical.
			if !b.Deleted || u.ID.Compare(b.DeletedBy) < 0 {
				b.Deleted = true
				b.DeletedBy = u.ID
			}
		}
	case common.OpSetAttr:
		if u.Stamp > d.attrClock {
			d.attrClock = u.Stamp
		}
		b := d.index[u.Target]
		next := Attr{Value: u.Value, Stamp: u.Stamp, By: u.ID}
		if cur, ok := b.Attrs[u.Key]; ok && !next.wins(cur) {
			return
		}
		if b.Attrs == nil {
			b.Attrs = make(map[string]Attr)
		}
		b.Attrs[u.Key] = next
	}
}

// integrateBlock places a new block into the sequence between its origin and
// right origin. When other blocks already occupy that span, concurrent
// inserts anchored to the same left origin order by (clock, client)
// ascending; blocks anchored further left keep their position together with
// everything that follows them. The outcome is a pure function of the blocks'
// immutable IDs and origins, so every replica linearizes identically
// regardless of arrival order.
func (d *Document) integrateBlock(b *Block) {
	var left *Block
	if !b.Origin.IsNil() {
		left = d.index[b.Origin]
	}
	scan := 0
	if left != nil {
		scan = d.indexOf(left.ID) + 1
	}
	end := len(d.blocks)
	if !b.RightOrigin.IsNil() {
		end = d.indexOf(b.RightOrigin)
	}

	if scan < end {
		// The span between the two origins is occupied by concurrent
		// inserts. Walk it deciding which of them stay to the left.
		seen := make(map[common.ItemID]bool)
		conflicting := make(map[common.ItemID]bool)
		for i := scan; i < end; i++ {
			o := d.blocks[i]
			seen[o.ID] = true
			conflicting[o.ID] = true
			if o.Origin == b.Origin {
				if o.ID.Compare(b.ID) < 0 {
					left = o
					conflicting = make(map[common.ItemID]bool)
				} else if o.RightOrigin == b.RightOrigin {
					break
				}
			} else if !o.Origin.IsNil() && seen[o.Origin] {
				if !conflicting[o.Origin] {
					left = o
					conflicting = make(map[common.ItemID]bool)
				}
			} else {
				break
			}
		}
	}

	at := 0
	if left != nil {
		at = d.indexOf(left.ID) + 1
	}
	d.blocks = append(d.blocks, nil)
	copy(d.blocks[at+1:], d.blocks[at:])
	d.blocks[at] = b
	d.index[b.ID] = b
}

// indexOf returns the position of the block with the given ID, or -1.
func (d *Document) indexOf(id common.ItemID) int {
	for i, b := range d.blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// commit records an applied update in the version vector and the update log.
func (d *Document) commit(u *Update) {
	d.version.Bump(u.ID)
	d.log[u.ID.Client] = append(d.log[u.ID.Client], u.Clone())
}

// Diff returns every update a peer with the given version vector is missing,
// in a causally safe order. It returns ErrCausalGap when part of the needed
// history has been pruned; the caller falls back to a full snapshot transfer.
// The returned updates are shared read-only and must not be modified.
func (d *Document) Diff(remote common.VersionVector) ([]*Update, error) {
	var out []*Update
	for c, have := range d.version {
		peerHas := remote.Get(c)
		if peerHas >= have {
			continue
		}
		floor := d.logFloor[c]
		if peerHas < floor {
			return nil, common.ErrCausalGap{Origin: c, Have: peerHas, Got: floor + 1}
		}
		entries := d.log[c]
		out = append(out, entries[peerHas-floor:]...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out, nil
}

// CollectGarbage reclaims tombstones and log entries covered by the safe
// vector, meaning every peer has acknowledged them. Collected tombstones
// stay in the sequence as empty positional markers so later operations can
// still resolve positions relative to them. It returns the number of
// tombstones collected.
func (d *Document) CollectGarbage(safe common.VersionVector) int {
	collected := 0
	for _, b := range d.blocks {
		if !b.Deleted || (b.Content == "" && b.Attrs == nil) {
			continue
		}
		if safe.Covers(b.ID) && safe.Covers(b.DeletedBy) {
			b.Content = ""
			b.Attrs = nil
			collected++
		}
	}

	for c, entries := range d.log {
		limit := safe.Get(c)
		cut := 0
		for cut < len(entries) && entries[cut].ID.Clock <= limit {
			cut++
		}
		if cut == 0 {
			continue
		}
		if cut == len(entries) {
			d.log[c] = nil
		} else {
			d.log[c] = append([]*Update(nil), entries[cut:]...)
		}
		d.logFloor[c] += uint64(cut)
	}
	return collected
}

// Text returns the concatenated content of all live blocks in document order.
func (d *Document) Text() string {
	var sb strings.Builder
	for _, b := range d.blocks {
		if !b.Deleted {
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

// Blocks returns read-only views of all live blocks in document order.
func (d *Document) Blocks() []BlockView {
	out := make([]BlockView, 0, len(d.blocks))
	for _, b := range d.blocks {
		if b.Deleted {
			continue
		}
		v := BlockView{ID: b.ID, Content: b.Content}
		if len(b.Attrs) > 0 {
			v.Attrs = make(map[string]string, len(b.Attrs))
			for k, a := range b.Attrs {
				v.Attrs[k] = a.Value
			}
		}
		out = append(out, v)
	}
	return out
}

// SnapshotState returns a point-in-time copy of the full document state:
// every block including tombstones, plus the version vector. The copy is
// independent of the live document, so it can be serialized while the room
// keeps applying updates.
func (d *Document) SnapshotState() *Snapshot {
	blocks := make([]*Block, len(d.blocks))
	for i, b := range d.blocks {
		blocks[i] = b.clone()
	}
	return &Snapshot{Blocks: blocks, Version: d.version.Clone()}
}

// Restore replaces the document state wholesale with the snapshot. The
// update log is reset: history before the snapshot cannot be served as a
// diff, only as another snapshot.
func (d *Document) Restore(s *Snapshot) {
	d.blocks = make([]*Block, len(s.Blocks))
	d.index = make(map[common.ItemID]*Block, len(s.Blocks))
	d.attrClock = 0
	for i, b := range s.Blocks {
		nb := b.clone()
		d.blocks[i] = nb
		d.index[nb.ID] = nb
		for _, a := range nb.Attrs {
			if a.Stamp > d.attrClock {
				d.attrClock = a.Stamp
			}
		}
	}
	d.version = s.Version.Clone()
	d.log = make(map[common.ClientID][]*Update)
	d.logFloor = make(map[common.ClientID]uint64)
	for c, k := range d.version {
		d.logFloor[c] = k
	}
	d.pending = make(map[common.ItemID]*Update)
}
