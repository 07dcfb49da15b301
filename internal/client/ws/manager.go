// Package ws manages the client's persistent channel to the messenger server:
// connecting, dispatching inbound events, keepalive and reconnecting.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/omochice/toy-messenger/internal/chat"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

const (
	// DefaultReconnectDelay is the fixed wait before every reconnect attempt.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultPingPeriod is how often a keepalive ping is written.
	DefaultPingPeriod = 30 * time.Second
)

var (
	// ErrNotConnected is returned by Send when no channel is open.
	ErrNotConnected = errors.New("not connected to server")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// Dialer opens a channel to a URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (chat.Conn, error)
}

// Handler receives inbound events and state changes. Every method is called
// from a manager goroutine and must not block.
type Handler interface {
	HandleMessage(msg protocol.Message)
	HandleStatus(userID int64, online bool)
	HandleTyping(ev protocol.Inbound)
	// HandleState reports the current state. err is set when the state was
	// entered because of a failure, e.g. chat.ErrUnauthorized.
	HandleState(state chat.ConnState, err error)
}

// link is one open channel and the goroutines serving it.
type link struct {
	conn chat.Conn
	done chan struct{}
}

// Manager owns at most one channel at a time. It reconnects after every drop
// until Close is called.
type Manager struct {
	server         string
	dialer         Dialer
	handler        Handler
	logger         *log.Logger
	reconnectDelay time.Duration
	pingPeriod     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   chat.ConnState
	lastErr error
	seq     uint64
	token   string
	link    *link
	timer   *time.Timer

	notifyMu sync.Mutex
	notified uint64

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReconnectDelay sets the wait before a reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithPingPeriod sets the keepalive interval. Zero disables pings.
func WithPingPeriod(d time.Duration) Option {
	return func(m *Manager) { m.pingPeriod = d }
}

// New creates a Manager for the server origin, e.g. "https://chat.example".
func New(server string, dialer Dialer, handler Handler, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		server:         server,
		dialer:         dialer,
		handler:        handler,
		logger:         log.New(os.Stdout, "[WS] ", log.LstdFlags|log.Lshortfile),
		reconnectDelay: DefaultReconnectDelay,
		pingPeriod:     DefaultPingPeriod,
		ctx:            ctx,
		cancel:         cancel,
		state:          chat.Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ChannelURL derives the channel address from the server origin: wss for an
// https origin, ws otherwise.
func ChannelURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", server)
	}
	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, u.Host, url.PathEscape(token)), nil
}

// State returns the current connection state.
func (m *Manager) State() chat.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel with token. It does nothing unless the manager is
// Disconnected, so there is never a second channel or a concurrent attempt.
// A failed attempt schedules a reconnect, except when the server rejects the
// token: then the manager closes and the error wraps chat.ErrUnauthorized.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == chat.Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != chat.Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.token = token
	m.stopTimerLocked()
	m.setStateLocked(chat.Connecting, nil)
	m.mu.Unlock()
	m.notify()

	return m.dial(ctx, token)
}

func (m *Manager) dial(ctx context.Context, token string) error {
	addr, err := ChannelURL(m.server, token)
	if err == nil {
		var conn chat.Conn
		conn, err = m.dialer.Dial(ctx, addr)
		if err == nil {
			return m.attach(conn)
		}
	}

	m.mu.Lock()
	switch {
	case m.state != chat.Connecting:
		// closed while dialing
	case errors.Is(err, chat.ErrUnauthorized):
		m.logger.Printf("Server rejected the session token: %v", err)
		m.setStateLocked(chat.Closed, err)
		m.cancel()
	default:
		m.logger.Printf("Failed to connect: %v", err)
		m.setStateLocked(chat.Disconnected, nil)
		m.scheduleLocked()
	}
	m.mu.Unlock()
	m.notify()
	return err
}

func (m *Manager) attach(conn chat.Conn) error {
	m.mu.Lock()
	if m.state != chat.Connecting {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l := &link{conn: conn, done: make(chan struct{})}
	m.link = l
	m.setStateLocked(chat.Connected, nil)
	m.wg.Add(1)
	go m.readLoop(l)
	if p, ok := conn.(chat.Pinger); ok && m.pingPeriod > 0 {
		m.wg.Add(1)
		go m.pingLoop(l, p)
	}
	m.mu.Unlock()

	m.logger.Printf("Connected to %s", conn.RemoteAddr())
	m.notify()
	return nil
}

func (m *Manager) readLoop(l *link) {
	defer m.wg.Done()
	for {
		data, err := l.conn.Read(m.ctx)
		if err != nil {
			m.drop(l, err)
			return
		}
		m.dispatch(data)
	}
}

// dispatch forwards one frame to exactly one handler. Malformed frames and
// unknown types are logged and ignored.
func (m *Manager) dispatch(data []byte) {
	var ev protocol.Inbound
	if err := ev.Decode(data); err != nil {
		m.logger.Printf("Ignoring malformed frame: %v", err)
		return
	}
	if !ev.Type.Known() {
		m.logger.Printf("Ignoring frame of unknown type %q", ev.Type)
		return
	}
	if err := ev.Validate(); err != nil {
		m.logger.Printf("Ignoring %s frame: %v", ev.Type, err)
		return
	}

	switch ev.Type {
	case protocol.TypeMessage:
		m.handler.HandleMessage(ev.Message)
	case protocol.TypeStatus:
		m.handler.HandleStatus(ev.UserID, ev.IsOnline)
	case protocol.TypeTyping:
		m.handler.HandleTyping(ev)
	}
}

func (m *Manager) pingLoop(l *link, p chat.Pinger) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.pingPeriod)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Printf("Ping failed: %v", err)
				// unblocks readLoop, which reports the drop
				l.conn.Close()
				return
			}
		}
	}
}

// drop handles the end of a channel. Drops of a channel that is no longer
// current are ignored.
func (m *Manager) drop(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	close(l.done)
	l.conn.Close()
	m.logger.Printf("Connection lost: %v", err)
	m.setStateLocked(chat.Disconnected, nil)
	m.scheduleLocked()
	m.mu.Unlock()
	m.notify()
}

// scheduleLocked arms the single reconnect timer. m.mu must be held.
func (m *Manager) scheduleLocked() {
	if m.timer != nil || m.state == chat.Closed {
		return
	}
	m.timer = time.AfterFunc(m.reconnectDelay, m.reconnect)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.state != chat.Disconnected {
		m.mu.Unlock()
		return
	}
	token := m.token
	m.setStateLocked(chat.Connecting, nil)
	m.wg.Add(1)
	m.mu.Unlock()
	m.notify()

	defer m.wg.Done()
	m.logger.Printf("Reconnecting")
	m.dial(m.ctx, token)
}

// Send writes env to the open channel. Without a channel it returns
// ErrNotConnected and the envelope is dropped.
func (m *Manager) Send(ctx context.Context, env protocol.Outbound) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	state := m.state
	l := m.link
	m.mu.Unlock()

	if state == chat.Closed {
		return ErrClosed
	}
	if l == nil {
		return ErrNotConnected
	}
	if err := l.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// Close closes the channel for good. No reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == chat.Closed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.stopTimerLocked()
	l := m.link
	m.link = nil
	m.setStateLocked(chat.Closed, nil)
	m.cancel()
	m.mu.Unlock()

	var err error
	if l != nil {
		close(l.done)
		err = l.conn.Close()
	}
	m.notify()
	m.wg.Wait()
	return err
}

func (m *Manager) setStateLocked(s chat.ConnState, err error) {
	m.state = s
	m.lastErr = err
	m.seq++
}

// notify reports the latest state to the handler. It runs outside m.mu;
// concurrent transitions may coalesce but the last state is always delivered.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	state, err, seq := m.state, m.lastErr, m.seq
	m.mu.Unlock()

	if seq == m.notified {
		return
	}
	m.notified = seq
	m.handler.HandleState(state, err)
}
