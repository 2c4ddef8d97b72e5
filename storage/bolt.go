package storage

import (
	"context"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("snapshots")

// BoltGateway stores snapshots in an embedded bbolt database, one key per
// room. It suits single-node deployments that need durability without an
// external service.
type BoltGateway struct {
	db *bolt.DB
}

// NewBoltGateway opens (or creates) the bbolt database at path.
func NewBoltGateway(path string) (*BoltGateway, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create snapshot bucket")
	}
	return &BoltGateway{db: db}, nil
}

// Load implements Gateway.
func (g *BoltGateway) Load(_ context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(roomID))
		if v == nil {
			return common.ErrNotFound{Key: roomID}
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save implements Gateway.
func (g *BoltGateway) Save(_ context.Context, roomID string, data []byte) error {
	err := g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(roomID), data)
	})
	return errors.Wrap(err, "failed to write snapshot")
}

// Close implements Gateway.
func (g *BoltGateway) Close() error {
	return g.db.Close()
}
