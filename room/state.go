package room

import (
	"github.com/bwmarrin/snowflake"

	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
)

// State is the lifecycle phase of a room.
type State int

const (
	// StateEmpty means no document is loaded and no members are connected.
	StateEmpty State = iota
	// StateLoading means the first member subscribed and the snapshot load is
	// in flight. Incoming frames are buffered until it completes.
	StateLoading
	// StateActive means the document is live and frames fan out in real time.
	StateActive
	// StateDraining means the last member left and the final snapshot flush
	// is in flight. A new subscription aborts the drain.
	StateDraining
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// envKind discriminates the events arriving on a room's inbox.
type envKind int

const (
	envJoin envKind = iota
	envLeave
	envFrame
	envLoaded
	envSaved
	envRelay
	envShutdown
)

// envelope is one event on a room's inbox. Which fields are set depends on
// the kind.
type envelope struct {
	kind envKind

	// envJoin
	conn  transport.Connector
	reply chan error

	// envLeave, envFrame
	session snowflake.ID

	// envFrame, envRelay
	frame []byte

	// envLoaded, envSaved
	data   []byte
	err    error
	seq    uint64
	vector common.VersionVector
}
