package wire

import (
	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/pkg/errors"
)

// Frame is one decoded transport frame: a kind byte and its body.
type Frame struct {
	Kind common.FrameKind
	Body []byte
}

// DecodeFrame splits a raw frame into kind and body.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, common.ErrDecode{Reason: "empty frame"}
	}
	kind := common.FrameKind(data[0])
	if !kind.Valid() {
		return Frame{}, common.ErrDecode{Reason: "unknown frame kind"}
	}
	return Frame{Kind: kind, Body: data[1:]}, nil
}

// EncodeSyncStep1 encodes a replica's version vector announcement.
func EncodeSyncStep1(v common.VersionVector) []byte {
	buf := []byte{byte(common.FrameSyncStep1)}
	return appendVector(buf, v)
}

// DecodeSyncStep1 decodes the body of a SYNC_STEP1 frame.
func DecodeSyncStep1(body []byte) (common.VersionVector, error) {
	v, rest, err := consumeVector(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode sync-step1")
	}
	if len(rest) != 0 {
		return nil, common.ErrDecode{Reason: "trailing bytes after sync-step1"}
	}
	return v, nil
}

// SyncStep2 is the catch-up reply: either the updates the peer is missing or,
// when the needed history is no longer available, a full snapshot.
type SyncStep2 struct {
	Snapshot *crdt.Snapshot
	Updates  []*crdt.Update
}

const (
	step2Updates  = 0x00
	step2Snapshot = 0x01
)

// EncodeSyncStep2Updates encodes a diff reply.
func EncodeSyncStep2Updates(updates []*crdt.Update) []byte {
	buf := []byte{byte(common.FrameSyncStep2), step2Updates}
	return AppendUpdates(buf, updates)
}

// EncodeSyncStep2Snapshot encodes a full-state reply.
func EncodeSyncStep2Snapshot(s *crdt.Snapshot) []byte {
	buf := []byte{byte(common.FrameSyncStep2), step2Snapshot}
	return AppendSnapshot(buf, s)
}

// DecodeSyncStep2 decodes the body of a SYNC_STEP2 frame.
func DecodeSyncStep2(body []byte) (*SyncStep2, error) {
	if len(body) == 0 {
		return nil, common.ErrDecode{Reason: "empty sync-step2"}
	}
	mode := body[0]
	body = body[1:]
	switch mode {
	case step2Updates:
		updates, rest, err := ConsumeUpdates(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode sync-step2 diff")
		}
		if len(rest) != 0 {
			return nil, common.ErrDecode{Reason: "trailing bytes after sync-step2"}
		}
		return &SyncStep2{Updates: updates}, nil
	case step2Snapshot:
		s, err := DecodeSnapshot(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode sync-step2 snapshot")
		}
		return &SyncStep2{Snapshot: s}, nil
	default:
		return nil, common.ErrDecode{Reason: "unknown sync-step2 mode"}
	}
}

// EncodeUpdateFrame encodes a live UPDATE frame carrying one update.
func EncodeUpdateFrame(u *crdt.Update) []byte {
	buf := []byte{byte(common.FrameUpdate)}
	return AppendUpdate(buf, u)
}

// DecodeUpdateFrame decodes the body of an UPDATE frame.
func DecodeUpdateFrame(body []byte) (*crdt.Update, error) {
	return DecodeUpdate(body)
}

// EncodeAwarenessFrame wraps an awareness payload. The payload encoding is
// owned by the awareness package; the frame treats it as opaque bytes.
func EncodeAwarenessFrame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, byte(common.FrameAwareness))
	return append(buf, payload...)
}
