package storage

import (
	"context"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisGatewayOptions configures a redis gateway.
type RedisGatewayOptions struct {
	// KeyPrefix namespaces the snapshot keys.
	KeyPrefix string
}

// DefaultRedisGatewayOptions returns the default redis gateway configuration.
func DefaultRedisGatewayOptions() RedisGatewayOptions {
	return RedisGatewayOptions{KeyPrefix: "collab:snapshot:"}
}

// RedisGateway stores snapshots as redis string values. The client is
// injected and shared with the rest of the process; Close leaves it open.
type RedisGateway struct {
	client *redis.Client
	opts   RedisGatewayOptions
}

// NewRedisGateway creates a redis-backed gateway on an existing client.
func NewRedisGateway(client *redis.Client, opts RedisGatewayOptions) *RedisGateway {
	return &RedisGateway{client: client, opts: opts}
}

func (g *RedisGateway) key(roomID string) string {
	return g.opts.KeyPrefix + roomID
}

// Load implements Gateway.
func (g *RedisGateway) Load(ctx context.Context, roomID string) ([]byte, error) {
	data, err := g.client.Get(ctx, g.key(roomID)).Bytes()
	if err == redis.Nil {
		return nil, common.ErrNotFound{Key: roomID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot from redis")
	}
	return data, nil
}

// Save implements Gateway.
func (g *RedisGateway) Save(ctx context.Context, roomID string, data []byte) error {
	if err := g.client.Set(ctx, g.key(roomID), data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to write snapshot to redis")
	}
	return nil
}

// Close implements Gateway.
func (g *RedisGateway) Close() error {
	return nil
}
