// Package config loads the collaboration server's configuration from the
// environment and glues it to the packages it configures. Every knob has a
// fallback, so an empty environment yields a working single-node setup with
// file persistence.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/DavinciDreams/ai-notes-sub000/awareness"
	"github.com/DavinciDreams/ai-notes-sub000/pubsub"
	"github.com/DavinciDreams/ai-notes-sub000/room"
	"github.com/DavinciDreams/ai-notes-sub000/storage"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
)

// Storage driver names accepted by COLLAB_STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Bus driver names accepted by COLLAB_BUS_DRIVER.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config carries every tunable of the collaboration server.
type Config struct {
	// ListenAddr is the HTTP listen address of the serving daemon.
	ListenAddr string

	// StorageDriver selects the persistence gateway.
	StorageDriver string
	// DataDir is the snapshot directory for the file driver.
	DataDir string
	// BoltPath is the database file for the bolt driver.
	BoltPath string
	// RedisAddr, RedisPassword and RedisDB configure the redis client shared
	// by the redis storage driver and the redis bus.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// MongoURI, MongoDatabase and MongoCollection configure the mongo driver.
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	// PostgresDSN configures the postgres driver.
	PostgresDSN string

	// BusDriver selects the cross-instance relay: none, memory or redis.
	BusDriver string

	// NodeID distinguishes instances sharing a bus or a store. Each instance
	// needs its own value so generated IDs never collide.
	NodeID int64

	AutosaveInterval  time.Duration
	SweepInterval     time.Duration
	StorageTimeout    time.Duration
	DrainTimeout      time.Duration
	SendQueueSize     int
	MaxBacklog        int
	AwarenessTimeout  time.Duration
	AwarenessDebounce time.Duration

	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	WSPongTimeout  time.Duration
	WSMaxFrameSize int64
}

// Load reads the configuration from COLLAB_* environment variables, falling
// back to defaults for anything unset or unparsable.
func Load() Config {
	rd := room.DefaultOptions()
	wd := transport.DefaultWebSocketOptions()
	return Config{
		ListenAddr: getenv("COLLAB_LISTEN_ADDR", ":8080"),

		StorageDriver:   getenv("COLLAB_STORAGE_DRIVER", DriverFile),
		DataDir:         getenv("COLLAB_DATA_DIR", "./data"),
		BoltPath:        getenv("COLLAB_BOLT_PATH", "./collab.db"),
		RedisAddr:       getenv("COLLAB_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getenv("COLLAB_REDIS_PASSWORD", ""),
		RedisDB:         getenvInt("COLLAB_REDIS_DB", 0),
		MongoURI:        getenv("COLLAB_MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getenv("COLLAB_MONGO_DATABASE", "collab"),
		MongoCollection: getenv("COLLAB_MONGO_COLLECTION", "document_snapshots"),
		PostgresDSN:     getenv("COLLAB_POSTGRES_DSN", "postgres://localhost:5432/collab"),

		BusDriver: getenv("COLLAB_BUS_DRIVER", BusNone),

		NodeID: int64(getenvInt("COLLAB_NODE_ID", int(rd.NodeID))),

		AutosaveInterval:  getenvDuration("COLLAB_AUTOSAVE_INTERVAL", rd.AutosaveInterval),
		SweepInterval:     getenvDuration("COLLAB_SWEEP_INTERVAL", rd.SweepInterval),
		StorageTimeout:    getenvDuration("COLLAB_STORAGE_TIMEOUT", rd.StorageTimeout),
		DrainTimeout:      getenvDuration("COLLAB_DRAIN_TIMEOUT", rd.DrainTimeout),
		SendQueueSize:     getenvInt("COLLAB_SEND_QUEUE_SIZE", rd.SendQueueSize),
		MaxBacklog:        getenvInt("COLLAB_MAX_BACKLOG", rd.MaxBacklog),
		AwarenessTimeout:  getenvDuration("COLLAB_AWARENESS_TIMEOUT", rd.Awareness.Timeout),
		AwarenessDebounce: getenvDuration("COLLAB_AWARENESS_DEBOUNCE", rd.Awareness.DebounceInterval),

		WSWriteTimeout: getenvDuration("COLLAB_WS_WRITE_TIMEOUT", wd.WriteTimeout),
		WSPingInterval: getenvDuration("COLLAB_WS_PING_INTERVAL", wd.PingInterval),
		WSPongTimeout:  getenvDuration("COLLAB_WS_PONG_TIMEOUT", wd.PongTimeout),
		WSMaxFrameSize: getenvInt64("COLLAB_WS_MAX_FRAME_SIZE", wd.MaxFrameSize),
	}
}

// RoomOptions maps the config onto session manager options.
func (c Config) RoomOptions(bus pubsub.Bus, log *zap.Logger) room.Options {
	return room.Options{
		AutosaveInterval: c.AutosaveInterval,
		SweepInterval:    c.SweepInterval,
		StorageTimeout:   c.StorageTimeout,
		DrainTimeout:     c.DrainTimeout,
		SendQueueSize:    c.SendQueueSize,
		MaxBacklog:       c.MaxBacklog,
		NodeID:           c.NodeID,
		Awareness: awareness.StoreOptions{
			Timeout:          c.AwarenessTimeout,
			DebounceInterval: c.AwarenessDebounce,
		},
		Bus:    bus,
		Logger: log,
	}
}

// WebSocketOptions maps the config onto websocket connector options.
func (c Config) WebSocketOptions(log *zap.Logger) transport.WebSocketOptions {
	return transport.WebSocketOptions{
		SendQueueSize: c.SendQueueSize,
		WriteTimeout:  c.WSWriteTimeout,
		PingInterval:  c.WSPingInterval,
		PongTimeout:   c.WSPongTimeout,
		MaxFrameSize:  c.WSMaxFrameSize,
		Logger:        log,
	}
}

// OpenGateway constructs the configured persistence gateway. Closing the
// returned gateway also closes any client the gateway was opened with here.
func (c Config) OpenGateway(ctx context.Context) (storage.Gateway, error) {
	switch c.StorageDriver {
	case DriverMemory:
		return storage.NewMemoryGateway(), nil

	case DriverFile:
		return storage.NewFileGateway(c.DataDir)

	case DriverBolt:
		return storage.NewBoltGateway(c.BoltPath)

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "failed to ping redis")
		}
		gw := storage.NewRedisGateway(client, storage.DefaultRedisGatewayOptions())
		return &ownedGateway{Gateway: gw, closers: []func() error{client.Close}}, nil

	case DriverMongo:
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(c.MongoURI))
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to mongodb")
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, errors.Wrap(err, "failed to ping mongodb")
		}
		coll := client.Database(c.MongoDatabase).Collection(c.MongoCollection)
		gw := storage.NewMongoGateway(coll)
		disconnect := func() error { return client.Disconnect(context.Background()) }
		return &ownedGateway{Gateway: gw, closers: []func() error{disconnect}}, nil

	case DriverPostgres:
		gw, err := storage.OpenSQLGateway(ctx, c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := gw.EnsureSchema(ctx); err != nil {
			gw.Close()
			return nil, err
		}
		return gw, nil

	default:
		return nil, errors.Errorf("unknown storage driver %q", c.StorageDriver)
	}
}

// OpenBus constructs the configured relay bus, or nil when relaying is off.
// Closing the returned bus also closes any client it was opened with here.
func (c Config) OpenBus(ctx context.Context, log *zap.Logger) (pubsub.Bus, error) {
	switch c.BusDriver {
	case "", BusNone:
		return nil, nil

	case BusMemory:
		return pubsub.NewMemoryBus(), nil

	case BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "failed to ping redis")
		}
		bus := pubsub.NewRedisBus(client, pubsub.RedisBusOptions{Logger: log})
		return &ownedBus{Bus: bus, close: client.Close}, nil

	default:
		return nil, errors.Errorf("unknown bus driver %q", c.BusDriver)
	}
}

// ownedGateway closes clients opened by OpenGateway together with the
// gateway itself.
type ownedGateway struct {
	storage.Gateway
	closers []func() error
}

func (g *ownedGateway) Close() error {
	err := g.Gateway.Close()
	for _, fn := range g.closers {
		if cerr := fn(); err == nil {
			err = cerr
		}
	}
	return err
}

// ownedBus closes the client opened by OpenBus together with the bus itself.
type ownedBus struct {
	pubsub.Bus
	close func() error
}

func (b *ownedBus) Close() error {
	err := b.Bus.Close()
	if cerr := b.close(); err == nil {
		err = cerr
	}
	return err
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
