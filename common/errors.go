package common

import (
	"fmt"
)

// ErrInvalidPosition is returned when a local edit references a node ID that
// does not exist in the document. The edit is rejected; the caller must
// re-derive the position.
type ErrInvalidPosition struct {
	ID ItemID
}

func (e ErrInvalidPosition) Error() string {
	if e.ID.IsNil() {
		return "invalid position: index out of range"
	}
	return fmt.Sprintf("invalid position: node %s not found", e.ID)
}

// ErrDecode is returned when an incoming frame or snapshot cannot be decoded.
// The frame is dropped; the room is unaffected.
type ErrDecode struct {
	Reason string
}

func (e ErrDecode) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// ErrSlowConsumer is returned when a connector's outgoing queue exceeded its
// bound. The connector is forcibly disconnected.
type ErrSlowConsumer struct {
	QueueSize int
}

func (e ErrSlowConsumer) Error() string {
	return fmt.Sprintf("slow consumer: outgoing queue exceeded %d frames", e.QueueSize)
}

// ErrCausalGap is returned when a remote update depends on updates that are
// missing locally beyond the catch-up window. Recovery is a full re-sync.
type ErrCausalGap struct {
	Origin ClientID
	Have   uint64
	Got    uint64
}

func (e ErrCausalGap) Error() string {
	return fmt.Sprintf("causal gap: have clock %d from client %d, got %d", e.Have, e.Origin, e.Got)
}

// ErrNotFound is returned when a resource is not found.
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// ErrRoomClosed is returned when an operation targets a room that has already
// drained and shut down.
type ErrRoomClosed struct {
	Room string
}

func (e ErrRoomClosed) Error() string {
	return fmt.Sprintf("room closed: %s", e.Room)
}

// ErrHandleClosed is returned when a subscription handle is used after Close.
type ErrHandleClosed struct{}

func (e ErrHandleClosed) Error() string {
	return "subscription handle closed"
}

// ErrPersistence is returned when a snapshot load or save against the durable
// store fails. Op is "load" or "save". The room contains the failure: a load
// failure yields an empty document, a save failure is retried.
type ErrPersistence struct {
	Op   string
	Room string
	Err  error
}

func (e ErrPersistence) Error() string {
	return fmt.Sprintf("persistence %s failed for room %q: %v", e.Op, e.Room, e.Err)
}

// Unwrap returns the underlying storage error.
func (e ErrPersistence) Unwrap() error {
	return e.Err
}
