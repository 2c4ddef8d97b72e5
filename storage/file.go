package storage

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/pkg/errors"
)

// FileGateway stores one snapshot file per room under a base directory.
// Writes go through a temporary file and an atomic rename, so a crash mid-save
// never leaves a truncated snapshot behind.
type FileGateway struct {
	dir string
}

// NewFileGateway creates a file gateway rooted at dir, creating it if needed.
func NewFileGateway(dir string) (*FileGateway, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot directory")
	}
	return &FileGateway{dir: dir}, nil
}

// path maps a room id to a filename. Room ids are opaque strings, so they are
// hex-encoded to keep path separators and dot segments out of the filesystem.
func (g *FileGateway) path(roomID string) string {
	return filepath.Join(g.dir, hex.EncodeToString([]byte(roomID))+".snap")
}

// Load implements Gateway.
func (g *FileGateway) Load(_ context.Context, roomID string) ([]byte, error) {
	data, err := os.ReadFile(g.path(roomID))
	if os.IsNotExist(err) {
		return nil, common.ErrNotFound{Key: roomID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot file")
	}
	return data, nil
}

// Save implements Gateway.
func (g *FileGateway) Save(_ context.Context, roomID string, data []byte) error {
	target := g.path(roomID)
	tmp, err := os.CreateTemp(g.dir, ".snap-*")
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write snapshot temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close snapshot temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace snapshot file")
	}
	return nil
}

// Close implements Gateway.
func (g *FileGateway) Close() error {
	return nil
}
