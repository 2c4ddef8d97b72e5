package pubsub

import (
	"context"
	"sync"
)

// subQueueSize bounds each subscription's delivery queue. A handler that
// falls this far behind starts losing frames; catch-up sync recovers them.
const subQueueSize = 256

// MemoryBus is an in-process Bus for single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	nextID uint64
	closed bool
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]*memorySub)}
}

// Publish delivers the frame to every subscriber of the room. Subscribers
// whose queues are full miss the frame.
func (b *MemoryBus) Publish(ctx context.Context, room string, frame []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs[room] {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		select {
		case sub.ch <- cp:
		default:
		}
	}
	return nil
}

// Subscribe registers a handler for the room's frames. The handler runs on a
// dedicated goroutine, one frame at a time, until unsubscribed.
func (b *MemoryBus) Subscribe(ctx context.Context, room string, fn HandlerFunc) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	sub := &memorySub{
		ch:   make(chan []byte, subQueueSize),
		done: make(chan struct{}),
	}
	if b.subs[room] == nil {
		b.subs[room] = make(map[uint64]*memorySub)
	}
	b.subs[room][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case frame := <-sub.ch:
				fn(frame)
			case <-sub.done:
				return
			}
		}
	}()

	unsubscribe := func() {
		sub.stop()
		b.mu.Lock()
		if subs, ok := b.subs[room]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, room)
			}
		}
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

// Close cancels every subscription. Further publishes fail with ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subs = make(map[string]map[uint64]*memorySub)
	return nil
}
