package crdt

import (
	"fmt"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// Update represents an immutable delta produced by one local mutation.
// It is created exclusively by the originating client's document and applied
// read-only everywhere else. Exactly one operation per update; the fields
// used depend on Op.
type Update struct {
	// ID carries the originating client and that client's clock value.
	ID common.ItemID
	// Op selects the operation kind.
	Op common.OpCode

	// Origin is the left neighbor for OpInsert; RootID for head inserts.
	Origin common.ItemID
	// RightOrigin is the right neighbor at creation time for OpInsert; NilID
	// when the node was appended with nothing after it.
	RightOrigin common.ItemID
	// Content is the inserted node's payload for OpInsert.
	Content string

	// Targets lists the node IDs tombstoned by OpDelete. The list is
	// materialized from the deleting client's view, so it never names a
	// node that client had not seen.
	Targets []common.ItemID

	// Target, Key and Value carry an OpSetAttr write. Stamp is the write's
	// last-writer-wins timestamp; it exceeds the stamp of every attribute
	// write the writer had seen.
	Target common.ItemID
	Key    string
	Value  string
	Stamp  uint64
}

// Clone returns an independent copy of the update.
func (u *Update) Clone() *Update {
	out := *u
	if u.Targets != nil {
		out.Targets = make([]common.ItemID, len(u.Targets))
		copy(out.Targets, u.Targets)
	}
	return &out
}

// String returns a short representation for logs.
func (u *Update) String() string {
	switch u.Op {
	case common.OpInsert:
		return fmt.Sprintf("%s insert after %s (%d bytes)", u.ID, u.Origin, len(u.Content))
	case common.OpDelete:
		return fmt.Sprintf("%s delete %d nodes", u.ID, len(u.Targets))
	case common.OpSetAttr:
		return fmt.Sprintf("%s set %s on %s", u.ID, u.Key, u.Target)
	default:
		return fmt.Sprintf("%s %s", u.ID, u.Op)
	}
}
