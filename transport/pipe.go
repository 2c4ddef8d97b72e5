package transport

import (
	"context"
	"sync"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// Pipe returns two connected in-process connectors. Frames sent on one side
// arrive at the other in order. Both sides share one lifetime: closing either
// closes the connection for both.
//
// queueSize bounds each direction independently; a full queue makes Send fail
// with ErrSlowConsumer just like a remote transport would.
func Pipe(queueSize int) (client, server Connector) {
	if queueSize <= 0 {
		queueSize = 1
	}
	toServer := make(chan []byte, queueSize)
	toClient := make(chan []byte, queueSize)
	shared := &pipeShared{done: make(chan struct{})}

	client = &pipeConn{out: toServer, in: toClient, shared: shared}
	server = &pipeConn{out: toClient, in: toServer, shared: shared}
	return client, server
}

// pipeShared is the lifetime shared by both ends of a pipe.
type pipeShared struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeConn is one end of an in-process connection.
type pipeConn struct {
	out    chan<- []byte
	in     <-chan []byte
	shared *pipeShared
}

// Send implements Connector.
func (p *pipeConn) Send(frame []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.done:
		return ErrClosed
	default:
		return common.ErrSlowConsumer{QueueSize: cap(p.out)}
	}
}

// Receive implements Connector.
func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	// Drain frames queued before the connection closed.
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Connector.
func (p *pipeConn) Close() error {
	p.shared.close()
	return nil
}

// Done implements Connector.
func (p *pipeConn) Done() <-chan struct{} {
	return p.shared.done
}
