package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemIDCompare(t *testing.T) {
	id1 := ItemID{Client: 1, Clock: 2}
	id2 := ItemID{Client: 1, Clock: 3}
	id3 := ItemID{Client: 2, Clock: 2}
	id4 := ItemID{Client: 1, Clock: 2}

	// Same client, different clock
	assert.Equal(t, -1, id1.Compare(id2))
	assert.Equal(t, 1, id2.Compare(id1))

	// Same clock, different client: clock ties break on client
	assert.Equal(t, -1, id1.Compare(id3))
	assert.Equal(t, 1, id3.Compare(id1))

	// Clock dominates client
	assert.Equal(t, -1, id3.Compare(id2))

	// Same ID
	assert.Equal(t, 0, id1.Compare(id4))

	// Nil checks
	assert.True(t, NilID.IsNil())
	assert.True(t, RootID.IsNil())
	assert.False(t, id1.IsNil())
}

func TestNewClientID(t *testing.T) {
	a := NewClientID()
	b := NewClientID()

	assert.NotEqual(t, NilClientID, a)
	assert.NotEqual(t, NilClientID, b)
	assert.NotEqual(t, a, b)
}

func TestVersionVector(t *testing.T) {
	v := NewVersionVector()

	// Bump advances entries monotonically
	v.Bump(ItemID{Client: 1, Clock: 3})
	v.Bump(ItemID{Client: 1, Clock: 2})
	v.Bump(ItemID{Client: 2, Clock: 5})
	assert.Equal(t, uint64(3), v.Get(1))
	assert.Equal(t, uint64(5), v.Get(2))

	// Covers
	assert.True(t, v.Covers(ItemID{Client: 1, Clock: 3}))
	assert.True(t, v.Covers(ItemID{Client: 1, Clock: 1}))
	assert.False(t, v.Covers(ItemID{Client: 1, Clock: 4}))
	assert.False(t, v.Covers(ItemID{Client: 3, Clock: 1}))

	// Merge takes pairwise maximums
	other := VersionVector{1: 7, 3: 2}
	v.Merge(other)
	assert.Equal(t, uint64(7), v.Get(1))
	assert.Equal(t, uint64(5), v.Get(2))
	assert.Equal(t, uint64(2), v.Get(3))

	// CoversVector
	assert.True(t, v.CoversVector(other))
	assert.False(t, other.CoversVector(v))

	// Clone is independent
	clone := v.Clone()
	clone.Bump(ItemID{Client: 9, Clock: 9})
	assert.False(t, v.Covers(ItemID{Client: 9, Clock: 9}))

	// Equal ignores zero entries
	assert.True(t, VersionVector{1: 2, 5: 0}.Equal(VersionVector{1: 2}))
	assert.False(t, VersionVector{1: 2}.Equal(VersionVector{1: 3}))

	// Clients are sorted
	assert.Equal(t, []ClientID{1, 2, 3}, v.Clients())
}

func TestErrors(t *testing.T) {
	// Each taxonomy error formats its context
	assert.Contains(t, ErrInvalidPosition{ID: ItemID{Client: 1, Clock: 2}}.Error(), "1:2")
	assert.Contains(t, ErrDecode{Reason: "truncated varint"}.Error(), "truncated varint")
	assert.Contains(t, ErrSlowConsumer{QueueSize: 64}.Error(), "64")
	assert.Contains(t, ErrCausalGap{Origin: 3, Have: 1, Got: 5}.Error(), "client 3")
	assert.Contains(t, ErrNotFound{Key: "room-1"}.Error(), "room-1")
	assert.Contains(t, ErrRoomClosed{Room: "room-1"}.Error(), "room-1")

	// ErrPersistence unwraps to the storage cause
	cause := errors.New("connection refused")
	err := ErrPersistence{Op: "save", Room: "room-1", Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "room-1")
}

func TestFrameKind(t *testing.T) {
	assert.True(t, FrameSyncStep1.Valid())
	assert.True(t, FrameAwareness.Valid())
	assert.False(t, FrameKind(0x7f).Valid())

	assert.Equal(t, "sync-step1", FrameSyncStep1.String())
	assert.Equal(t, "update", FrameUpdate.String())
	assert.Contains(t, FrameKind(0x7f).String(), "unknown")
}

func TestOpCode(t *testing.T) {
	assert.True(t, OpInsert.Valid())
	assert.True(t, OpSetAttr.Valid())
	assert.False(t, OpCode(0).Valid())
	assert.False(t, OpCode(0x20).Valid())

	assert.Equal(t, "insert", OpInsert.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "set-attr", OpSetAttr.String())
}
