package storage

import (
	"context"
	"database/sql"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	// Registers the pgx driver under the "pgx" database/sql name.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

// SQLGateway stores snapshots in a relational table. The schema matches the
// deployment where the snapshot blob lives in a column next to the rest of
// the document's metadata:
//
//	CREATE TABLE IF NOT EXISTS document_snapshots (
//	    room_id    TEXT PRIMARY KEY,
//	    data       BYTEA NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	)
type SQLGateway struct {
	db *sql.DB
}

// OpenSQLGateway opens a database handle with the pgx driver and verifies the
// connection.
func OpenSQLGateway(ctx context.Context, dsn string) (*SQLGateway, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return &SQLGateway{db: db}, nil
}

// NewSQLGateway wraps an existing database handle.
func NewSQLGateway(db *sql.DB) *SQLGateway {
	return &SQLGateway{db: db}
}

// EnsureSchema creates the snapshot table when it does not exist yet.
func (g *SQLGateway) EnsureSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS document_snapshots (
			room_id    TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return errors.Wrap(err, "failed to ensure snapshot schema")
}

// Load implements Gateway.
func (g *SQLGateway) Load(ctx context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT data FROM document_snapshots WHERE room_id = $1`, roomID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound{Key: roomID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot row")
	}
	return data, nil
}

// Save implements Gateway.
func (g *SQLGateway) Save(ctx context.Context, roomID string, data []byte) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (room_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET data = $2, updated_at = now()`,
		roomID, data)
	return errors.Wrap(err, "failed to write snapshot row")
}

// Close implements Gateway.
func (g *SQLGateway) Close() error {
	return g.db.Close()
}
