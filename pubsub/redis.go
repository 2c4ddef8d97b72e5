package pubsub

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RedisBusOptions configures the Redis bus.
type RedisBusOptions struct {
	// ChannelPrefix namespaces the per-room channels.
	ChannelPrefix string
	// Logger receives subscription lifecycle events. nil disables logging.
	Logger *zap.Logger
}

// DefaultRedisBusOptions returns the default Redis bus configuration.
func DefaultRedisBusOptions() RedisBusOptions {
	return RedisBusOptions{ChannelPrefix: "collab:room:"}
}

// RedisBus relays frames through Redis pub/sub channels, one channel per
// room. It does not own the client; callers close it themselves.
type RedisBus struct {
	client *redis.Client
	opts   RedisBusOptions
	log    *zap.Logger
}

// NewRedisBus creates a bus on an existing Redis client.
func NewRedisBus(client *redis.Client, opts RedisBusOptions) *RedisBus {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultRedisBusOptions().ChannelPrefix
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{client: client, opts: opts, log: log}
}

func (b *RedisBus) channel(room string) string {
	return b.opts.ChannelPrefix + room
}

// Publish sends the frame to the room's channel.
func (b *RedisBus) Publish(ctx context.Context, room string, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel(room), frame).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to room %q", room)
	}
	return nil
}

// Subscribe listens on the room's channel and feeds received frames to the
// handler on a dedicated goroutine.
func (b *RedisBus) Subscribe(ctx context.Context, room string, fn HandlerFunc) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to room %q", room)
	}

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
		b.log.Debug("relay subscription closed", zap.String("room", room))
	}()

	unsubscribe := func() {
		if err := ps.Close(); err != nil {
			b.log.Warn("failed to close relay subscription",
				zap.String("room", room),
				zap.Error(err))
		}
	}
	return unsubscribe, nil
}

// Close is a no-op beyond contract compliance: the Redis client is shared
// and owned by the caller, and per-room subscriptions are closed by their
// unsubscribe functions.
func (b *RedisBus) Close() error {
	return nil
}
