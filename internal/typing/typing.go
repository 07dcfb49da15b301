// Package typing implements the self-expiring typing indicator and the
// outbound typing signal throttle.
package typing

import (
	"sync"
	"time"

	"github.com/omochice/toy-messenger/internal/chat"
)

// DefaultTTL is how long an indicator stays visible without a new event.
const DefaultTTL = 2 * time.Second

// Timer is the part of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Coordinator owns the inbound TypingState and decides which keystrokes emit an
// outbound signal.
type Coordinator struct {
	mu        sync.Mutex
	ttl       time.Duration
	interval  time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	post      func(func())
	onChange  func(chat.TypingState)

	state chat.TypingState
	timer Timer
	gen   uint64

	lastConv chat.Conversation
	lastSent time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the indicator lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.ttl = d }
}

// WithInterval coalesces outbound signals: at most one per interval per
// conversation. Zero sends one signal per keystroke.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithAfterFunc replaces the timer source.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Coordinator) { c.afterFunc = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithScheduler routes timer expirations through post, so they are handled on
// the owner's event loop.
func WithScheduler(post func(func())) Option {
	return func(c *Coordinator) { c.post = post }
}

// New creates a Coordinator. onChange is called after every state change.
func New(onChange func(chat.TypingState), opts ...Option) *Coordinator {
	c := &Coordinator{
		ttl:       DefaultTTL,
		afterFunc: realAfterFunc,
		now:       time.Now,
		post:      func(f func()) { f() },
		onChange:  onChange,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keystroke records local input in conv and reports whether a typing signal
// should be sent for it.
func (c *Coordinator) Keystroke(conv chat.Conversation) bool {
	if conv.IsZero() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.interval > 0 && conv == c.lastConv && now.Sub(c.lastSent) < c.interval {
		return false
	}
	c.lastConv = conv
	c.lastSent = now
	return true
}

// Show marks username as typing and restarts the expiry timer. A newer event
// replaces the pending expiry instead of stacking another one.
func (c *Coordinator) Show(username string) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.state = chat.TypingState{Active: true, Username: username}
	c.timer = c.afterFunc(c.ttl, func() {
		c.post(func() { c.expire(gen) })
	})
	state := c.state
	c.mu.Unlock()

	c.notify(state)
}

// Clear hides the indicator immediately.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	wasActive := c.state.Active
	c.state = chat.TypingState{}
	c.mu.Unlock()

	if wasActive {
		c.notify(chat.TypingState{})
	}
}

// State returns the current indicator.
func (c *Coordinator) State() chat.TypingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		// a newer event restarted the timer
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = chat.TypingState{}
	c.mu.Unlock()

	c.notify(chat.TypingState{})
}

func (c *Coordinator) notify(s chat.TypingState) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
