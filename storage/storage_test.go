package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseGateway runs the shared contract checks against one gateway.
func exerciseGateway(t *testing.T, g Gateway) {
	t.Helper()
	ctx := context.Background()

	// A room that was never saved reports not-found.
	_, err := g.Load(ctx, "missing")
	var nf common.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.Key)

	// Save then load round-trips the blob.
	blob := []byte{0x61, 0x6E, 0x73, 0x31, 0x00, 0xFF, 0x10}
	require.NoError(t, g.Save(ctx, "room-a", blob))
	got, err := g.Load(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// A second save replaces the first.
	require.NoError(t, g.Save(ctx, "room-a", []byte("v2")))
	got, err = g.Load(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// Rooms do not leak into each other.
	require.NoError(t, g.Save(ctx, "room-b", []byte("other")))
	got, err = g.Load(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryGateway(t *testing.T) {
	g := NewMemoryGateway()
	defer g.Close()
	exerciseGateway(t, g)
	assert.Equal(t, 2, g.Len())
}

func TestMemoryGatewayCopiesBlobs(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	blob := []byte("original")
	require.NoError(t, g.Save(ctx, "r", blob))
	blob[0] = 'X'

	got, err := g.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating a loaded blob must not corrupt the stored one.
	got[0] = 'Y'
	again, err := g.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestFileGateway(t *testing.T) {
	dir := t.TempDir()
	g, err := NewFileGateway(dir)
	require.NoError(t, err)
	defer g.Close()
	exerciseGateway(t, g)
}

func TestFileGatewayEscapesRoomIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g, err := NewFileGateway(dir)
	require.NoError(t, err)

	// Hostile room ids must stay inside the snapshot directory.
	id := "../../etc/passwd"
	require.NoError(t, g.Save(ctx, id, []byte("x")))
	got, err := g.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Ext(entries[0].Name()), ".snap")
}

func TestFileGatewayLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g, err := NewFileGateway(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Save(ctx, "room", []byte("payload")))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBoltGateway(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	g, err := NewBoltGateway(path)
	require.NoError(t, err)
	defer g.Close()
	exerciseGateway(t, g)
}

func TestBoltGatewayPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")

	g, err := NewBoltGateway(path)
	require.NoError(t, err)
	require.NoError(t, g.Save(ctx, "room", []byte("durable")))
	require.NoError(t, g.Close())

	g, err = NewBoltGateway(path)
	require.NoError(t, err)
	defer g.Close()
	got, err := g.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestRedisGateway(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	g := NewRedisGateway(client, DefaultRedisGatewayOptions())
	defer g.Close()
	exerciseGateway(t, g)

	// Keys are namespaced by the configured prefix.
	keys := srv.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, "collab:snapshot:")
	}
}
