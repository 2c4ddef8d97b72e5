package room

import (
	"github.com/bwmarrin/snowflake"

	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
)

// member is one connected client of a room. All fields are owned by the
// room's event loop.
type member struct {
	// session uniquely identifies this attachment; a client that reconnects
	// gets a fresh session.
	session snowflake.ID
	conn    transport.Connector

	// client is the member's replica ID, learned from the first update or
	// awareness record it sends. Zero until then.
	client common.ClientID

	// vector estimates what the member has incorporated: everything it
	// announced or produced, merged with everything forwarded to it. Used to
	// pick a safe tombstone-collection horizon.
	vector common.VersionVector

	// synced is set once the initial catch-up reply has been sent. Live
	// frames fan out only to synced members; earlier ones are covered by the
	// catch-up itself.
	synced bool

	// decodeErrs counts malformed frames, toward the disconnect threshold.
	decodeErrs int
}
