// Package awareness tracks the ephemeral per-client presence state of a room:
// cursor positions, selections and user identity. Awareness is broadcast
// peer-to-peer, never persisted and never part of document snapshots.
package awareness

import (
	"encoding/json"
	"time"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/pkg/errors"
)

// Position points into the document: a block plus a rune offset inside it.
type Position struct {
	Block  common.ItemID `json:"block"`
	Offset int           `json:"offset"`
}

// Range is a selection between two positions.
type Range struct {
	From Position `json:"from"`
	To   Position `json:"to"`
}

// Entry represents one client's presence state. It is replaced wholesale on
// every broadcast, never merged field by field. LastSeen is bookkeeping local
// to each replica and does not travel on the wire.
type Entry struct {
	ClientID    common.ClientID `json:"clientId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Cursor      *Position       `json:"cursor,omitempty"`
	Selection   *Range          `json:"selection,omitempty"`

	LastSeen time.Time `json:"-"`
}

// clone returns an independent copy of the entry.
func (e *Entry) clone() *Entry {
	out := *e
	if e.Cursor != nil {
		c := *e.Cursor
		out.Cursor = &c
	}
	if e.Selection != nil {
		s := *e.Selection
		out.Selection = &s
	}
	return &out
}

// RecordKind discriminates the two awareness payload forms.
type RecordKind string

const (
	// RecordUpsert replaces the sender's entry.
	RecordUpsert RecordKind = "upsert"
	// RecordRemove announces that a client left or timed out.
	RecordRemove RecordKind = "remove"
)

// Record is the payload of one AWARENESS frame.
type Record struct {
	Kind     RecordKind      `json:"kind"`
	Entry    *Entry          `json:"entry,omitempty"`
	ClientID common.ClientID `json:"clientId,omitempty"`
}

// EncodeRecord serializes an awareness record for transport.
func EncodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode awareness record")
	}
	return data, nil
}

// DecodeRecord parses an awareness payload. Malformed or incomplete payloads
// fail with ErrDecode like any other frame.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, common.ErrDecode{Reason: "malformed awareness payload"}
	}
	switch r.Kind {
	case RecordUpsert:
		if r.Entry == nil || r.Entry.ClientID == common.NilClientID {
			return nil, common.ErrDecode{Reason: "awareness upsert without entry"}
		}
	case RecordRemove:
		if r.ClientID == common.NilClientID {
			return nil, common.ErrDecode{Reason: "awareness removal without client"}
		}
	default:
		return nil, common.ErrDecode{Reason: "unknown awareness record kind"}
	}
	return &r, nil
}
