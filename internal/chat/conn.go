// Package chat holds the client's domain model: conversations, messages, the
// directory entities, and the event hub every component publishes to.
package chat

import (
	"context"
	"errors"
)

// ErrUnauthorized reports that the server rejected the session token.
var ErrUnauthorized = errors.New("unauthorized")

// Conn abstracts the persistent duplex channel to the server.
// This interface isolates the websocket library from the connection manager.
type Conn interface {
	// Read reads a single frame.
	// Returns an error once the channel is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the channel.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Pinger is implemented by channels that need client-side keepalive frames.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnState is the connection manager's state machine.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	// Closed is the terminal state after logout; no reconnect follows.
	Closed
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
