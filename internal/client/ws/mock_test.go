package ws_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/omochice/toy-messenger/internal/chat"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		closed:     make(chan struct{}),
		remoteAddr: "127.0.0.1:8000",
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.written
}

func (m *mockConn) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// pingConn fails every ping.
type pingConn struct {
	*mockConn
	pings chan struct{}
}

func (p *pingConn) Ping(ctx context.Context) error {
	select {
	case p.pings <- struct{}{}:
	default:
	}
	return errors.New("ping timeout")
}

var (
	_ chat.Conn   = (*mockConn)(nil)
	_ chat.Pinger = (*pingConn)(nil)
)

// mockDialer hands out connections from conns, or fails with err when conns
// is empty.
type mockDialer struct {
	mu    sync.Mutex
	conns []chat.Conn
	err   error
	urls  []string
	dials chan string
}

func newMockDialer(conns ...chat.Conn) *mockDialer {
	return &mockDialer{conns: conns, dials: make(chan string, 100)}
}

func (d *mockDialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	select {
	case d.dials <- url:
	default:
	}
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *mockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// stampDialer records when each dial happened.
type stampDialer struct {
	*mockDialer
	stampMu sync.Mutex
	stamps  []time.Time
}

func (d *stampDialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	d.stampMu.Lock()
	d.stamps = append(d.stamps, time.Now())
	d.stampMu.Unlock()
	return d.mockDialer.Dial(ctx, url)
}

// gaps returns the time between consecutive dials.
func (d *stampDialer) gaps() []time.Duration {
	d.stampMu.Lock()
	defer d.stampMu.Unlock()
	gaps := make([]time.Duration, 0, len(d.stamps))
	for i := 1; i < len(d.stamps); i++ {
		gaps = append(gaps, d.stamps[i].Sub(d.stamps[i-1]))
	}
	return gaps
}

// recorder is a Handler that records everything it is given.
type recorder struct {
	mu       sync.Mutex
	messages []protocol.Message
	statuses []protocol.Inbound
	typing   []protocol.Inbound
	states   []chat.ConnState
	lastErr  error
	stateCh  chan chat.ConnState
}

func newRecorder() *recorder {
	return &recorder{stateCh: make(chan chat.ConnState, 100)}
}

func (r *recorder) HandleMessage(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) HandleStatus(userID int64, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, protocol.Inbound{Type: protocol.TypeStatus, UserID: userID, IsOnline: online})
}

func (r *recorder) HandleTyping(ev protocol.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, ev)
}

func (r *recorder) HandleState(state chat.ConnState, err error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()
	select {
	case r.stateCh <- state:
	default:
	}
}

func (r *recorder) counts() (messages, statuses, typing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.statuses), len(r.typing)
}

// waitState blocks until the handler is told about want.
func (r *recorder) waitState(want chat.ConnState, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-r.stateCh:
			if s == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// eventually polls cond until it holds or timeout passes.
func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
