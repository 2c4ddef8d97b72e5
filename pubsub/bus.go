// Package pubsub relays encoded frames between process instances that host
// members of the same room. A single-instance deployment runs without a bus;
// multi-instance deployments share one so edits made on one instance reach
// members attached to the others.
//
// Delivery is at-most-once and per-publisher ordered. Lost relay frames are
// healed by the normal catch-up sync, so the bus carries no acknowledgements.
package pubsub

import (
	"context"

	"github.com/pkg/errors"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("pubsub: bus closed")

// HandlerFunc consumes one relayed frame. It is invoked sequentially per
// subscription and must not retain the slice.
type HandlerFunc func(frame []byte)

// Bus carries opaque frames between the instances hosting a room.
type Bus interface {
	// Publish sends a frame to every subscriber of the room, the publishing
	// instance's own subscription included.
	Publish(ctx context.Context, room string, frame []byte) error

	// Subscribe registers a handler for the room's frames and returns a
	// function that cancels the subscription.
	Subscribe(ctx context.Context, room string, fn HandlerFunc) (func(), error)

	// Close cancels every subscription and releases the bus's resources.
	Close() error
}
