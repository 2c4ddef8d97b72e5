package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavinciDreams/ai-notes-sub000/common"
)

// receive reads one frame with a short deadline so a broken pipe fails the
// test instead of hanging it.
func receive(t *testing.T, c Connector) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := c.Receive(ctx)
	require.NoError(t, err)
	return frame
}

func TestPipeDelivery(t *testing.T) {
	// Create a connected pair.
	client, server := Pipe(8)
	defer client.Close()
	defer server.Close()

	// Frames sent by the client arrive at the server in order.
	require.NoError(t, client.Send([]byte{0x01}))
	require.NoError(t, client.Send([]byte{0x02}))
	assert.Equal(t, []byte{0x01}, receive(t, server))
	assert.Equal(t, []byte{0x02}, receive(t, server))

	// And the reverse direction works independently.
	require.NoError(t, server.Send([]byte{0x03}))
	assert.Equal(t, []byte{0x03}, receive(t, client))
}

func TestPipeCopiesFrames(t *testing.T) {
	client, server := Pipe(8)
	defer client.Close()
	defer server.Close()

	// Mutating the caller's buffer after Send must not affect the frame
	// observed by the peer.
	buf := []byte{0xAA, 0xBB}
	require.NoError(t, client.Send(buf))
	buf[0] = 0x00

	assert.Equal(t, []byte{0xAA, 0xBB}, receive(t, server))
}

func TestPipeSlowConsumer(t *testing.T) {
	client, server := Pipe(2)
	defer client.Close()
	defer server.Close()

	// Fill the server-bound queue without draining it.
	require.NoError(t, client.Send([]byte{0x01}))
	require.NoError(t, client.Send([]byte{0x02}))

	// The next send must fail immediately rather than block.
	err := client.Send([]byte{0x03})
	var slow common.ErrSlowConsumer
	require.ErrorAs(t, err, &slow)
	assert.Equal(t, 2, slow.QueueSize)
}

func TestPipeClose(t *testing.T) {
	client, server := Pipe(8)

	require.NoError(t, client.Send([]byte{0x01}))
	require.NoError(t, client.Close())

	// Close is observable through Done on both halves.
	select {
	case <-server.Done():
	case <-time.After(time.Second):
		t.Fatal("server half did not observe close")
	}

	// Frames queued before the close still drain.
	assert.Equal(t, []byte{0x01}, receive(t, server))

	// After the queue is empty both directions report ErrClosed.
	_, err := server.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, server.Send([]byte{0x02}), ErrClosed)
	assert.ErrorIs(t, client.Send([]byte{0x02}), ErrClosed)

	// Closing again is a no-op.
	assert.NoError(t, client.Close())
	assert.NoError(t, server.Close())
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	client, server := Pipe(8)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// captureAttacher records attached connections for inspection.
type captureAttacher struct {
	rooms chan string
	conns chan Connector
}

func newCaptureAttacher() *captureAttacher {
	return &captureAttacher{
		rooms: make(chan string, 1),
		conns: make(chan Connector, 1),
	}
}

func (a *captureAttacher) Attach(_ context.Context, roomID string, conn Connector) error {
	a.rooms <- roomID
	a.conns <- conn
	return nil
}

func TestWebSocketRoundTrip(t *testing.T) {
	attacher := newCaptureAttacher()
	srv := httptest.NewServer(NewHandler(attacher, DefaultWebSocketOptions()))
	defer srv.Close()

	// Dial the endpoint and wrap the client side in the same adapter the
	// server uses.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?room=doc-1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	client := NewWebSocketConnector(ws, DefaultWebSocketOptions())
	defer client.Close()

	assert.Equal(t, "doc-1", <-attacher.rooms)
	server := <-attacher.conns
	defer server.Close()

	// Frames travel both directions through the pumps.
	require.NoError(t, client.Send([]byte{0x2A}))
	assert.Equal(t, []byte{0x2A}, receive(t, server))

	require.NoError(t, server.Send([]byte{0x2B, 0x2C}))
	assert.Equal(t, []byte{0x2B, 0x2C}, receive(t, client))
}

func TestWebSocketPeerDisconnectClosesConnector(t *testing.T) {
	attacher := newCaptureAttacher()
	srv := httptest.NewServer(NewHandler(attacher, DefaultWebSocketOptions()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?room=doc-1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	<-attacher.rooms
	server := <-attacher.conns

	// An abrupt client disconnect surfaces on the server side as a closed
	// connection, not an error the room has to special-case.
	ws.Close()
	select {
	case <-server.Done():
	case <-time.After(time.Second):
		t.Fatal("server connector did not observe the disconnect")
	}
	assert.ErrorIs(t, server.Send([]byte{0x01}), ErrClosed)
}

func TestHandlerRejectsMissingRoom(t *testing.T) {
	attacher := newCaptureAttacher()
	srv := httptest.NewServer(NewHandler(attacher, DefaultWebSocketOptions()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
