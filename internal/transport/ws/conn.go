// Package ws provides the WebSocket transport used by the connection manager.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/toy-messenger/internal/chat"
)

const (
	// DefaultPongWait is how long a channel may stay silent before Read fails.
	DefaultPongWait = 60 * time.Second

	writeWait = 10 * time.Second
)

// Conn adapts a gorilla/websocket client connection to chat.Conn.
// Writes and pings are serialized; a single goroutine must own Read.
type Conn struct {
	conn     *websocket.Conn
	pongWait time.Duration
	writeMu  sync.Mutex
}

// NewConn wraps conn. Every pong extends the read deadline by pongWait.
func NewConn(conn *websocket.Conn, pongWait time.Duration) *Conn {
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	c := &Conn{conn: conn, pongWait: pongWait}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// Read implements chat.Conn.
// Returns the payload of the next text or binary frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	return data, nil
}

// Write implements chat.Conn.
// Frames are sent as text, matching the server's JSON envelopes.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline(ctx))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping implements chat.Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline(ctx))
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(writeWait)
}

// Dialer opens gorilla/websocket channels.
type Dialer struct {
	dialer   *websocket.Dialer
	pongWait time.Duration
}

// NewDialer creates a Dialer with the given handshake timeout and pong wait.
func NewDialer(handshakeTimeout, pongWait time.Duration) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		pongWait: pongWait,
	}
}

// Dial opens a channel to url. A handshake refused with 401 or 403 wraps
// chat.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, chat.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}
	return NewConn(conn, d.pongWait), nil
}
