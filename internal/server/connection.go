package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client channel as seen by the backend.
type Connection interface {
	// RemoteAddr returns the remote address
	RemoteAddr() net.Addr

	// Write sends one text frame to the client
	Write(data []byte) error

	// Read returns the payload of the next data frame
	Read() ([]byte, error)

	// Close closes the connection
	Close() error
}

// WebSocketConnection wraps an upgraded net.Conn using gobwas/ws. Control
// frames are answered from Read under the same lock as data writes.
type WebSocketConnection struct {
	conn    net.Conn
	idle    time.Duration
	reader  *wsutil.Reader
	control wsutil.FrameHandlerFunc
	pending bytes.Buffer
	mu      sync.Mutex
}

// NewWebSocketConnection creates a new WebSocketConnection. Read fails once no
// frame, pings included, arrived for idle; zero disables the limit.
func NewWebSocketConnection(conn net.Conn, idle time.Duration) *WebSocketConnection {
	wc := &WebSocketConnection{conn: conn, idle: idle}
	wc.control = wsutil.ControlFrameHandler(&wc.pending, ws.StateServerSide)
	wc.reader = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: wc.handleControl,
	}
	return wc
}

func (wc *WebSocketConnection) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}

func (wc *WebSocketConnection) Write(data []byte) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wsutil.WriteServerText(wc.conn, data)
}

func (wc *WebSocketConnection) Read() ([]byte, error) {
	for {
		if wc.idle > 0 {
			if err := wc.conn.SetReadDeadline(time.Now().Add(wc.idle)); err != nil {
				return nil, err
			}
		}
		hdr, err := wc.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := wc.handleControl(hdr, wc.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := wc.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(wc.reader)
	}
}

// handleControl answers pings and close frames. The reply is buffered and
// flushed in one write so it never interleaves with a data frame.
func (wc *WebSocketConnection) handleControl(hdr ws.Header, r io.Reader) error {
	wc.pending.Reset()
	err := wc.control(hdr, r)
	if wc.pending.Len() > 0 {
		wc.mu.Lock()
		_, werr := wc.conn.Write(wc.pending.Bytes())
		wc.mu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (wc *WebSocketConnection) Close() error {
	wc.mu.Lock()
	// Send close frame
	_ = wc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteServerMessage(wc.conn, ws.OpClose, nil)
	wc.mu.Unlock()
	return wc.conn.Close()
}
