package common

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
)

// ClientID represents a unique identifier for one replica of a document.
// It is a compact numeric value so it can be varint-encoded on the wire.
type ClientID uint64

// NilClientID is the zero value for ClientID.
const NilClientID ClientID = 0

// NewClientID creates a new random ClientID for a local replica.
// It panics if the random source cannot be read.
func NewClientID() ClientID {
	const retry = 3

	var lastErr error
	var buf [8]byte
	for i := 0; i < retry; i++ {
		if _, lastErr = rand.Read(buf[:]); lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	id := binary.BigEndian.Uint64(buf[:])
	if id == 0 {
		id = 1
	}

	return ClientID(id)
}

// String returns the string representation of the ClientID.
func (c ClientID) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// ItemID represents a globally unique identifier for one node or operation.
// It consists of the originating client and that client's logical clock value.
type ItemID struct {
	Client ClientID `json:"c"`
	Clock  uint64   `json:"k"`
}

// RootID is the fixed ItemID used as the origin of head-of-document inserts.
var RootID = ItemID{Client: NilClientID, Clock: 0}

// NilID is the zero value for ItemID.
var NilID = ItemID{Client: NilClientID, Clock: 0}

// IsNil reports whether the ItemID is the zero value.
func (t ItemID) IsNil() bool {
	return t.Client == NilClientID && t.Clock == 0
}

// Compare compares two item IDs by (clock, client).
// This ordering is the tie-break rule for concurrent inserts at the same
// position, so it must be identical on every replica.
// Returns:
//
//	-1 if t < other
//	 0 if t == other
//	 1 if t > other
func (t ItemID) Compare(other ItemID) int {
	if t.Clock < other.Clock {
		return -1
	}
	if t.Clock > other.Clock {
		return 1
	}
	if t.Client < other.Client {
		return -1
	}
	if t.Client > other.Client {
		return 1
	}
	return 0
}

// String returns a string representation of the item ID.
func (t ItemID) String() string {
	return fmt.Sprintf("%d:%d", uint64(t.Client), t.Clock)
}

// VersionVector maps each client to the highest contiguous logical clock
// value incorporated from that client. It is not safe for concurrent use;
// a vector is owned by a single room task or a single replica.
type VersionVector map[ClientID]uint64

// NewVersionVector creates an empty version vector.
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Get returns the highest clock value seen from the given client.
func (v VersionVector) Get(c ClientID) uint64 {
	return v[c]
}

// Bump records the given item ID if it advances the client's entry.
func (v VersionVector) Bump(id ItemID) {
	if id.Clock > v[id.Client] {
		v[id.Client] = id.Clock
	}
}

// Covers reports whether the vector already incorporates the given item ID.
func (v VersionVector) Covers(id ItemID) bool {
	return v[id.Client] >= id.Clock
}

// CoversVector reports whether the vector incorporates everything in other.
func (v VersionVector) CoversVector(other VersionVector) bool {
	for c, clock := range other {
		if v[c] < clock {
			return false
		}
	}
	return true
}

// Merge takes the pairwise maximum of the two vectors into v.
func (v VersionVector) Merge(other VersionVector) {
	for c, clock := range other {
		if clock > v[c] {
			v[c] = clock
		}
	}
}

// Clone returns an independent copy of the vector.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for c, clock := range v {
		out[c] = clock
	}
	return out
}

// Equal reports whether two vectors incorporate exactly the same updates.
// Zero entries are treated as absent.
func (v VersionVector) Equal(other VersionVector) bool {
	for c, clock := range v {
		if clock != 0 && other[c] != clock {
			return false
		}
	}
	for c, clock := range other {
		if clock != 0 && v[c] != clock {
			return false
		}
	}
	return true
}

// Clients returns the client IDs present in the vector in ascending order.
// Deterministic iteration keeps encodings byte-identical across replicas.
func (v VersionVector) Clients() []ClientID {
	out := make([]ClientID, 0, len(v))
	for c := range v {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
