package transport

import (
	"context"
	"sync"
	"time"

	"github.com/DavinciDreams/ai-notes-sub000/common"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketOptions configures a websocket connector.
type WebSocketOptions struct {
	// SendQueueSize bounds the outgoing frame queue. A client that cannot
	// drain it fast enough is a slow consumer and gets disconnected.
	SendQueueSize int
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
	// PingInterval is how often the server pings an idle connection.
	PingInterval time.Duration
	// PongTimeout is how long to wait for any read (data or pong) before the
	// connection is considered dead. Must exceed PingInterval.
	PongTimeout time.Duration
	// MaxFrameSize caps the size of one incoming frame in bytes.
	MaxFrameSize int64
	// Logger records connection-level failures. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultWebSocketOptions returns the default websocket configuration.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
		PongTimeout:   60 * time.Second,
		MaxFrameSize:  1 << 20,
		Logger:        zap.NewNop(),
	}
}

// wsConnector adapts a websocket connection to the Connector contract with
// the usual pump pair: one goroutine owns all reads, another owns all writes.
type wsConnector struct {
	conn *websocket.Conn
	opts WebSocketOptions
	log  *zap.Logger

	sendCh chan []byte
	recvCh chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConnector wraps an upgraded websocket connection and starts its
// read and write pumps.
func NewWebSocketConnector(conn *websocket.Conn, opts WebSocketOptions) Connector {
	def := DefaultWebSocketOptions()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = def.SendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = def.MaxFrameSize
	}

	c := &wsConnector{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger,
		sendCh: make(chan []byte, opts.SendQueueSize),
		recvCh: make(chan []byte),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c
}

// Send implements Connector.
func (c *wsConnector) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.sendCh <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return common.ErrSlowConsumer{QueueSize: cap(c.sendCh)}
	}
}

// Receive implements Connector.
func (c *wsConnector) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recvCh:
		return frame, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Connector.
func (c *wsConnector) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("Failed to send close message", zap.Error(err))
		}
		c.conn.Close()
	})
	return nil
}

// Done implements Connector.
func (c *wsConnector) Done() <-chan struct{} {
	return c.done
}

// readPump owns all reads on the connection. Abrupt peer disconnects surface
// here as read errors and end the connection.
func (c *wsConnector) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.opts.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Websocket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		select {
		case c.recvCh <- frame:
		case <-c.done:
			return
		}
	}
}

// writePump owns all writes on the connection and keeps it alive with pings.
func (c *wsConnector) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
