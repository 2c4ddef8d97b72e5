// Package wire implements the binary encoding of updates, sync frames and
// snapshots exchanged between replicas. Every decoder tolerates truncated or
// corrupt input by returning ErrDecode; it never panics and never allocates
// proportionally to a forged length prefix.
package wire

import (
	"encoding/binary"

	"github.com/DavinciDreams/ai-notes-sub000/common"
	"github.com/DavinciDreams/ai-notes-sub000/crdt"
	"github.com/pkg/errors"
)

// appendUvarint appends v in unsigned varint encoding.
func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// readUvarint consumes one unsigned varint from data.
func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, common.ErrDecode{Reason: "truncated varint"}
	}
	return v, data[n:], nil
}

// appendItemID appends an item ID as two varints: client, clock.
func appendItemID(buf []byte, id common.ItemID) []byte {
	buf = appendUvarint(buf, uint64(id.Client))
	return appendUvarint(buf, id.Clock)
}

// readItemID consumes one item ID from data.
func readItemID(data []byte) (common.ItemID, []byte, error) {
	c, data, err := readUvarint(data)
	if err != nil {
		return common.NilID, nil, err
	}
	k, data, err := readUvarint(data)
	if err != nil {
		return common.NilID, nil, err
	}
	return common.ItemID{Client: common.ClientID(c), Clock: k}, data, nil
}

// appendString appends a length-prefixed string.
func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// readString consumes one length-prefixed string from data. The declared
// length is validated against the remaining input before any allocation.
func readString(data []byte) (string, []byte, error) {
	n, data, err := readUvarint(data)
	if err != nil {
		return "", nil, err
	}
	if n > uint64(len(data)) {
		return "", nil, common.ErrDecode{Reason: "string length exceeds input"}
	}
	return string(data[:n]), data[n:], nil
}

// AppendUpdate appends one update in its wire form:
//
//	[originClientId:varint][clock:varint][opcode:1][payload]
func AppendUpdate(buf []byte, u *crdt.Update) []byte {
	buf = appendItemID(buf, u.ID)
	buf = append(buf, byte(u.Op))
	switch u.Op {
	case common.OpInsert:
		buf = appendItemID(buf, u.Origin)
		buf = appendItemID(buf, u.RightOrigin)
		buf = appendString(buf, u.Content)
	case common.OpDelete:
		buf = appendUvarint(buf, uint64(len(u.Targets)))
		for _, t := range u.Targets {
			buf = appendItemID(buf, t)
		}
	case common.OpSetAttr:
		buf = appendItemID(buf, u.Target)
		buf = appendUvarint(buf, u.Stamp)
		buf = appendString(buf, u.Key)
		buf = appendString(buf, u.Value)
	}
	return buf
}

// EncodeUpdate encodes one update.
func EncodeUpdate(u *crdt.Update) []byte {
	return AppendUpdate(nil, u)
}

// ConsumeUpdate decodes one update from the front of data and returns the
// remaining bytes.
func ConsumeUpdate(data []byte) (*crdt.Update, []byte, error) {
	id, data, err := readItemID(data)
	if err != nil {
		return nil, nil, err
	}
	if id.Client == common.NilClientID || id.Clock == 0 {
		return nil, nil, common.ErrDecode{Reason: "update has no id"}
	}
	if len(data) == 0 {
		return nil, nil, common.ErrDecode{Reason: "missing opcode"}
	}
	op := common.OpCode(data[0])
	data = data[1:]
	if !op.Valid() {
		return nil, nil, common.ErrDecode{Reason: "unknown opcode"}
	}

	u := &crdt.Update{ID: id, Op: op}
	switch op {
	case common.OpInsert:
		if u.Origin, data, err = readItemID(data); err != nil {
			return nil, nil, err
		}
		if u.RightOrigin, data, err = readItemID(data); err != nil {
			return nil, nil, err
		}
		if u.Content, data, err = readString(data); err != nil {
			return nil, nil, err
		}
	case common.OpDelete:
		var n uint64
		if n, data, err = readUvarint(data); err != nil {
			return nil, nil, err
		}
		// Two bytes minimum per encoded ID bounds the count check.
		if n > uint64(len(data))/2+1 {
			return nil, nil, common.ErrDecode{Reason: "delete target count exceeds input"}
		}
		for i := uint64(0); i < n; i++ {
			var t common.ItemID
			if t, data, err = readItemID(data); err != nil {
				return nil, nil, err
			}
			u.Targets = append(u.Targets, t)
		}
	case common.OpSetAttr:
		if u.Target, data, err = readItemID(data); err != nil {
			return nil, nil, err
		}
		if u.Stamp, data, err = readUvarint(data); err != nil {
			return nil, nil, err
		}
		if u.Key, data, err = readString(data); err != nil {
			return nil, nil, err
		}
		if u.Value, data, err = readString(data); err != nil {
			return nil, nil, err
		}
	}
	return u, data, nil
}

// DecodeUpdate decodes exactly one update; trailing bytes are an error.
func DecodeUpdate(data []byte) (*crdt.Update, error) {
	u, rest, err := ConsumeUpdate(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode update")
	}
	if len(rest) != 0 {
		return nil, common.ErrDecode{Reason: "trailing bytes after update"}
	}
	return u, nil
}

// AppendUpdates appends a count-prefixed update list.
func AppendUpdates(buf []byte, updates []*crdt.Update) []byte {
	buf = appendUvarint(buf, uint64(len(updates)))
	for _, u := range updates {
		buf = AppendUpdate(buf, u)
	}
	return buf
}

// ConsumeUpdates decodes a count-prefixed update list from the front of data.
func ConsumeUpdates(data []byte) ([]*crdt.Update, []byte, error) {
	n, data, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	// Every encoded update is at least three bytes.
	if n > uint64(len(data))/3+1 {
		return nil, nil, common.ErrDecode{Reason: "update count exceeds input"}
	}
	updates := make([]*crdt.Update, 0, n)
	for i := uint64(0); i < n; i++ {
		var u *crdt.Update
		if u, data, err = ConsumeUpdate(data); err != nil {
			return nil, nil, err
		}
		updates = append(updates, u)
	}
	return updates, data, nil
}

// appendVector appends a version vector as a count-prefixed list of
// (client, clock) pairs in ascending client order, so equal vectors encode
// byte-identically.
func appendVector(buf []byte, v common.VersionVector) []byte {
	clients := v.Clients()
	buf = appendUvarint(buf, uint64(len(clients)))
	for _, c := range clients {
		buf = appendUvarint(buf, uint64(c))
		buf = appendUvarint(buf, v.Get(c))
	}
	return buf
}

// consumeVector decodes a version vector from the front of data.
func consumeVector(data []byte) (common.VersionVector, []byte, error) {
	n, data, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(data))/2+1 {
		return nil, nil, common.ErrDecode{Reason: "vector entry count exceeds input"}
	}
	v := common.NewVersionVector()
	for i := uint64(0); i < n; i++ {
		var c, k uint64
		if c, data, err = readUvarint(data); err != nil {
			return nil, nil, err
		}
		if k, data, err = readUvarint(data); err != nil {
			return nil, nil, err
		}
		v[common.ClientID(c)] = k
	}
	return v, data, nil
}
