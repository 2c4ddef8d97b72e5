// Package transport carries encoded frames between clients and the session
// manager over a persistent duplex channel: an in-process pipe for embedded
// clients and tests, or a websocket for remote ones.
//
// Connectors move opaque byte frames. Framing, decoding and protocol state
// live with the session manager and its clients, never here.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed reports an operation on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Connector is one client's duplex channel.
//
// Send never blocks: a peer that cannot keep up makes it fail with
// ErrSlowConsumer, and the caller is expected to disconnect the peer rather
// than stall everyone else. Receive blocks until a frame arrives, the context
// is done, or the connection closes.
type Connector interface {
	// Send queues one encoded frame for delivery.
	Send(frame []byte) error

	// Receive returns the next frame from the peer.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. It is safe to call more than once;
	// pending sends are discarded.
	Close() error

	// Done is closed when the connection is gone, whichever side ended it.
	Done() <-chan struct{}
}

// Attacher accepts new connections for a room. The session manager
// implements it; the websocket handler hands upgraded connections to it.
type Attacher interface {
	Attach(ctx context.Context, roomID string, conn Connector) error
}
