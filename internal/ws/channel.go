package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/internal/models"
)

// ErrChannelClosed is returned when pushing to a handle that is no longer live.
var ErrChannelClosed = errors.New("channel closed")

// Channel pushes events to one live client connection.
type Channel interface {
	Push(ctx context.Context, event models.ChatEvent) error
	Close() error
}

// Conn adapts a gorilla websocket connection to Channel.
// gorilla allows one concurrent writer, so pushes are serialised.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewConn wraps conn. A zero writeTimeout disables write deadlines.
func NewConn(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

// Push writes event as a JSON text frame. A failed write closes the connection.
func (c *Conn) Push(ctx context.Context, event models.ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(ctx, websocket.TextMessage, payload)
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	return c.write(ctx, websocket.PingMessage, nil)
}

func (c *Conn) write(ctx context.Context, messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	var err error
	if messageType == websocket.PingMessage {
		err = c.conn.WriteControl(websocket.PingMessage, payload, deadline)
	} else {
		err = c.conn.WriteMessage(messageType, payload)
	}
	if err != nil {
		c.closed = true
		_ = c.conn.Close()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// ReadEvent blocks for the next client frame.
func (c *Conn) ReadEvent(v *models.ClientEvent) error {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// ErrMalformedFrame marks a client frame that is not valid JSON.
var ErrMalformedFrame = errors.New("malformed frame")

// SetReadDeadline bounds the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetPongHandler installs h for pong control frames.
func (c *Conn) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// closing the socket first unblocks a writer holding mu
		err = c.conn.Close()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
	return err
}
