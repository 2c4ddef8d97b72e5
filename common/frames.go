package common

import (
	"fmt"
)

// FrameKind identifies the type of a transport frame.
type FrameKind byte

const (
	// FrameSyncStep1 carries a client's version vector; sent first on connect.
	FrameSyncStep1 FrameKind = 0x00
	// FrameSyncStep2 carries the server's catch-up reply: either the updates
	// the client is missing or a full snapshot.
	FrameSyncStep2 FrameKind = 0x01
	// FrameUpdate carries a single binary-encoded document update.
	FrameUpdate FrameKind = 0x02
	// FrameAwareness carries an awareness entry upsert or removal.
	FrameAwareness FrameKind = 0x03
)

// Valid reports whether the frame kind is one of the defined kinds.
func (k FrameKind) Valid() bool {
	return k <= FrameAwareness
}

// String returns the string representation of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameSyncStep1:
		return "sync-step1"
	case FrameSyncStep2:
		return "sync-step2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// OpCode identifies the kind of mutation an update carries.
type OpCode byte

const (
	// OpInsert inserts a new node after an existing one.
	OpInsert OpCode = 0x01
	// OpDelete tombstones a range of existing nodes.
	OpDelete OpCode = 0x02
	// OpSetAttr sets one attribute on an existing node.
	OpSetAttr OpCode = 0x03
)

// Valid reports whether the opcode is one of the defined operations.
func (o OpCode) Valid() bool {
	return o >= OpInsert && o <= OpSetAttr
}

// String returns the string representation of the opcode.
func (o OpCode) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSetAttr:
		return "set-attr"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(o))
	}
}
