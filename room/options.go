package room

import (
	"time"

	"go.uber.org/zap"

	"github.com/DavinciDreams/ai-notes-sub000/awareness"
	"github.com/DavinciDreams/ai-notes-sub000/pubsub"
)

// Options configures a Manager and the rooms it runs.
type Options struct {
	// AutosaveInterval is how often an active room snapshots the document to
	// the persistence gateway. The same tick drives tombstone collection.
	AutosaveInterval time.Duration

	// SweepInterval is how often a room expires stale awareness entries.
	SweepInterval time.Duration

	// StorageTimeout bounds each individual load or save call.
	StorageTimeout time.Duration

	// DrainRetryInterval is the initial backoff between final-save retries
	// when the last member has left and the flush fails.
	DrainRetryInterval time.Duration

	// DrainTimeout is the total budget for the final save. When it is
	// exhausted the room gives up and discards its in-memory state.
	DrainTimeout time.Duration

	// SendQueueSize bounds the transport queue of connectors created by
	// Subscribe. Attached connectors bring their own bound.
	SendQueueSize int

	// DecodeErrorLimit is how many malformed frames one member may send
	// before it is disconnected.
	DecodeErrorLimit int

	// MaxBacklog caps the per-room applied-update log. Beyond it the log is
	// pruned regardless of member acknowledgement and catch-up for peers
	// behind the window falls back to a full snapshot transfer.
	MaxBacklog int

	// NodeID seeds the snowflake node that allocates session and client IDs.
	NodeID int64

	// Awareness configures presence timeout and broadcast debouncing.
	Awareness awareness.StoreOptions

	// Bus, when set, relays applied frames to other instances hosting the
	// same rooms. nil disables cross-instance fan-out.
	Bus pubsub.Bus

	// Logger receives room lifecycle and fault events. nil disables logging.
	Logger *zap.Logger
}

// DefaultOptions returns the default manager configuration.
func DefaultOptions() Options {
	return Options{
		AutosaveInterval:   30 * time.Second,
		SweepInterval:      5 * time.Second,
		StorageTimeout:     10 * time.Second,
		DrainRetryInterval: 500 * time.Millisecond,
		DrainTimeout:       30 * time.Second,
		SendQueueSize:      256,
		DecodeErrorLimit:   8,
		MaxBacklog:         4096,
		NodeID:             1,
		Awareness:          awareness.DefaultStoreOptions(),
	}
}

// withDefaults fills unset fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = def.AutosaveInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = def.StorageTimeout
	}
	if o.DrainRetryInterval <= 0 {
		o.DrainRetryInterval = def.DrainRetryInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.DecodeErrorLimit <= 0 {
		o.DecodeErrorLimit = def.DecodeErrorLimit
	}
	if o.MaxBacklog <= 0 {
		o.MaxBacklog = def.MaxBacklog
	}
	if o.NodeID <= 0 {
		o.NodeID = def.NodeID
	}
	if o.Awareness.Timeout <= 0 {
		o.Awareness.Timeout = def.Awareness.Timeout
	}
	if o.Awareness.DebounceInterval <= 0 {
		o.Awareness.DebounceInterval = def.Awareness.DebounceInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
