package wire

import (
	"bytes"
	"sort"

	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/pkg/errors"
)

// snapshotMagic prefixes every serialized snapshot, followed by one format
// version byte.
var snapshotMagic = []byte("ans1")

const snapshotFormat = 0x01

const (
	blockFlagDeleted = 0x01
)

// AppendSnapshot appends the full-state serialization of a snapshot:
// magic, format version, version vector, then every block in document order
// (tombstones included).
func AppendSnapshot(buf []byte, s *crdt.Snapshot) []byte {
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotFormat)
	buf = appendVector(buf, s.Version)
	buf = appendUvarint(buf, uint64(len(s.Blocks)))
	for _, b := range s.Blocks {
		buf = appendItemID(buf, b.ID)
		buf = appendItemID(buf, b.Origin)
		buf = appendItemID(buf, b.RightOrigin)
		buf = appendString(buf, b.Content)

		// Attribute keys are sorted for a byte-stable encoding.
		keys := make([]string, 0, len(b.Attrs))
		for k := range b.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = appendUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			a := b.Attrs[k]
			buf = appendString(buf, k)
			buf = appendString(buf, a.Value)
			buf = appendUvarint(buf, a.Stamp)
			buf = appendItemID(buf, a.By)
		}

		var flags byte
		if b.Deleted {
			flags |= blockFlagDeleted
		}
		buf = append(buf, flags)
		if b.Deleted {
			buf = appendItemID(buf, b.DeletedBy)
		}
	}
	return buf
}

// EncodeSnapshot encodes a snapshot for persistence or a SYNC_STEP2 reply.
func EncodeSnapshot(s *crdt.Snapshot) []byte {
	return AppendSnapshot(nil, s)
}

// DecodeSnapshot decodes a serialized snapshot.
func DecodeSnapshot(data []byte) (*crdt.Snapshot, error) {
	if len(data) < len(snapshotMagic)+1 {
		return nil, common.ErrDecode{Reason: "snapshot too short"}
	}
	if !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, common.ErrDecode{Reason: "bad snapshot magic"}
	}
	data = data[len(snapshotMagic):]
	if data[0] != snapshotFormat {
		return nil, common.ErrDecode{Reason: "unsupported snapshot format"}
	}
	data = data[1:]

	version, data, err := consumeVector(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot vector")
	}

	count, data, err := readUvarint(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot block count")
	}
	// Every encoded block is at least eight bytes.
	if count > uint64(len(data))/8+1 {
		return nil, common.ErrDecode{Reason: "block count exceeds input"}
	}

	s := &crdt.Snapshot{Version: version, Blocks: make([]*crdt.Block, 0, count)}
	for i := uint64(0); i < count; i++ {
		b := &crdt.Block{}
		if b.ID, data, err = readItemID(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode block %d", i)
		}
		if b.Origin, data, err = readItemID(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode block %d origin", i)
		}
		if b.RightOrigin, data, err = readItemID(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode block %d right origin", i)
		}
		if b.Content, data, err = readString(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode block %d content", i)
		}

		var attrs uint64
		if attrs, data, err = readUvarint(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode block %d attrs", i)
		}
		if attrs > uint64(len(data))/5+1 {
			return nil, common.ErrDecode{Reason: "attr count exceeds input"}
		}
		for j := uint64(0); j < attrs; j++ {
			var key, value string
			var stamp uint64
			var by common.ItemID
			if key, data, err = readString(data); err != nil {
				return nil, errors.Wrapf(err, "failed to decode block %d attr key", i)
			}
			if value, data, err = readString(data); err != nil {
				return nil, errors.Wrapf(err, "failed to decode block %d attr value", i)
			}
			if stamp, data, err = readUvarint(data); err != nil {
				return nil, errors.Wrapf(err, "failed to decode block %d attr stamp", i)
			}
			if by, data, err = readItemID(data); err != nil {
				return nil, errors.Wrapf(err, "failed to decode block %d attr writer", i)
			}
			if b.Attrs == nil {
				b.Attrs = make(map[string]crdt.Attr, attrs)
			}
			b.Attrs[key] = crdt.Attr{Value: value, Stamp: stamp, By: by}
		}

		if len(data) == 0 {
			return nil, common.ErrDecode{Reason: "missing block flags"}
		}
		flags := data[0]
		data = data[1:]
		if flags&blockFlagDeleted != 0 {
			b.Deleted = true
			if b.DeletedBy, data, err = readItemID(data); err != nil {
				return nil, errors.Wrapf(err, "failed to decode block %d tombstone", i)
			}
		}
		s.Blocks = append(s.Blocks, b)
	}
	if len(data) != 0 {
		return nil, common.ErrDecode{Reason: "trailing bytes after snapshot"}
	}
	return s, nil
}
