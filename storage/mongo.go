package storage

import (
	"context"
	"time"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoSnapshot is the stored document shape.
type mongoSnapshot struct {
	RoomID    string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoGateway stores snapshots in a MongoDB collection, one document per
// room keyed by room id. The client is injected and shared; Close leaves it
// open.
type MongoGateway struct {
	coll *mongo.Collection
}

// NewMongoGateway creates a gateway writing to the given collection.
func NewMongoGateway(coll *mongo.Collection) *MongoGateway {
	return &MongoGateway{coll: coll}
}

// Load implements Gateway.
func (g *MongoGateway) Load(ctx context.Context, roomID string) ([]byte, error) {
	var doc mongoSnapshot
	err := g.coll.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, common.ErrNotFound{Key: roomID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot from mongodb")
	}
	return doc.Data, nil
}

// Save implements Gateway.
func (g *MongoGateway) Save(ctx context.Context, roomID string, data []byte) error {
	doc := mongoSnapshot{RoomID: roomID, Data: data, UpdatedAt: time.Now()}
	_, err := g.coll.ReplaceOne(ctx, bson.M{"_id": roomID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "failed to write snapshot to mongodb")
	}
	return nil
}

// Close implements Gateway.
func (g *MongoGateway) Close() error {
	return nil
}
