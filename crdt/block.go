package crdt

import (
	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// Attr holds one attribute value together with the stamp and ID of the
// operation that wrote it. Writes resolve last-writer-wins: a write that saw
// the current value always carries a higher stamp, and concurrent writes with
// equal stamps order by the writer's (clock, client) ID.
type Attr struct {
	Value string
	Stamp uint64
	By    common.ItemID
}

// wins reports whether this attribute write beats the other one.
func (a Attr) wins(o Attr) bool {
	if a.Stamp != o.Stamp {
		return a.Stamp > o.Stamp
	}
	return a.By.Compare(o.By) > 0
}

// Block represents one rich-text/block node in the replicated sequence.
// Deleted blocks remain in the sequence as tombstones so concurrent
// operations referencing them stay resolvable.
type Block struct {
	// ID is the unique identifier assigned at creation.
	ID common.ItemID
	// Origin is the ID of the block this one was inserted after, or RootID
	// for head-of-document inserts. It never changes.
	Origin common.ItemID
	// RightOrigin is the ID of the block that was this one's immediate
	// successor at creation time, or NilID when it was appended at the end.
	// Together with Origin it pins the insertion position between two stable
	// nodes, so concurrent edits elsewhere never shift it.
	RightOrigin common.ItemID
	// Content is the block's payload. Cleared when the tombstone is
	// garbage-collected.
	Content string
	// Attrs holds per-key attribute values with last-writer-wins resolution.
	Attrs map[string]Attr
	// Deleted marks the block as tombstoned.
	Deleted bool
	// DeletedBy is the ID of the delete operation that tombstoned the block.
	DeletedBy common.ItemID
}

// clone returns a deep copy of the block.
func (b *Block) clone() *Block {
	out := *b
	if b.Attrs != nil {
		out.Attrs = make(map[string]Attr, len(b.Attrs))
		for k, v := range b.Attrs {
			out.Attrs[k] = v
		}
	}
	return &out
}

// BlockView is a read-only projection of a live block handed to callers.
type BlockView struct {
	ID      common.ItemID
	Content string
	Attrs   map[string]string
}

// Snapshot is a point-in-time full-state copy of a document: every block
// including tombstones, plus the version vector. It is what the persistence
// gateway serializes and what replaces a document wholesale on load.
type Snapshot struct {
	Blocks  []*Block
	Version common.VersionVector
}
