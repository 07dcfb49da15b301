// Package client ties the session, directory, timeline, typing coordinator and
// connection manager into one chat client whose state changes are serialized
// on a single event loop and published on a chat.Hub.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/omochice/toy-messenger/internal/api"
	"github.com/omochice/toy-messenger/internal/chat"
	ws "github.com/omochice/toy-messenger/internal/client/ws"
	"github.com/omochice/toy-messenger/internal/directory"
	"github.com/omochice/toy-messenger/internal/session"
	"github.com/omochice/toy-messenger/internal/timeline"
	transport "github.com/omochice/toy-messenger/internal/transport/ws"
	"github.com/omochice/toy-messenger/internal/typing"
)

var (
	// ErrNoSession is returned by operations that need a login.
	ErrNoSession = errors.New("not logged in")
	// ErrNoConversation is returned by sends while nothing is selected.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrEmptyMessage is returned for blank text or a missing file.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("client closed")
)

// Options configures a Client. Zero durations take the package defaults.
type Options struct {
	Server         string
	HTTPTimeout    time.Duration
	ReconnectDelay time.Duration
	PingPeriod     time.Duration
	TypingTTL      time.Duration
	TypingInterval time.Duration
	// LocalEcho shows outbound messages as pending until the server relays
	// them. Leave it off for servers that relay to the sender.
	LocalEcho bool
	// Store persists the token; nil keeps it in memory only.
	Store  session.Persister
	Dialer ws.Dialer
	Logger *log.Logger
}

// Client is a logged-in (or not yet logged-in) chat client.
type Client struct {
	opts     Options
	api      *api.Client
	session  *session.Session
	dir      *directory.Cache
	selector *chat.Selector
	timeline *timeline.Timeline
	typing   *typing.Coordinator
	hub      *chat.Hub
	logger   *log.Logger
	wsLogger *log.Logger
	dialer   ws.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the event loop
	gen       uint64
	resolving map[int64]bool

	mu        sync.RWMutex
	manager   *ws.Manager
	connState chat.ConnState
}

// New creates a Client and starts its event loop.
func New(opts Options) (*Client, error) {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = ws.DefaultReconnectDelay
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = ws.DefaultPingPeriod
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = typing.DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[CLIENT] ", log.LstdFlags|log.Lshortfile)
	}

	restClient, err := api.New(opts.Server, opts.HTTPTimeout)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewDialer(opts.HTTPTimeout, transport.DefaultPongWait)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		api:       restClient,
		session:   session.New(opts.Server, opts.Store),
		dir:       directory.New(),
		selector:  chat.NewSelector(),
		timeline:  timeline.New(),
		hub:       chat.NewHub(log.New(logger.Writer(), "[HUB] ", logger.Flags())),
		logger:    logger,
		wsLogger:  log.New(logger.Writer(), "[WS] ", logger.Flags()),
		dialer:    dialer,
		ctx:       ctx,
		cancel:    cancel,
		resolving: make(map[int64]bool),
		events:    make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		connState: chat.Disconnected,
	}
	c.typing = typing.New(c.typingChanged,
		typing.WithTTL(opts.TypingTTL),
		typing.WithInterval(opts.TypingInterval),
		typing.WithScheduler(c.post),
	)

	go c.run()
	return c, nil
}

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case f := <-c.events:
			f()
		case <-c.quit:
			return
		}
	}
}

// post queues f on the event loop. It is dropped once the client is closed.
func (c *Client) post(f func()) {
	select {
	case c.events <- f:
	case <-c.quit:
	}
}

// do runs f on the event loop and waits for its result.
func (c *Client) do(f func() error) error {
	errc := make(chan error, 1)
	select {
	case c.events <- func() { errc <- f() }:
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.quit:
		return ErrClosed
	}
}

// Subscribe returns a subscriber for state-change events.
func (c *Client) Subscribe(buffer int) *chat.Subscriber {
	return c.hub.Subscribe(buffer)
}

// Unsubscribe removes a subscriber.
func (c *Client) Unsubscribe(s *chat.Subscriber) {
	c.hub.Unsubscribe(s)
}

// Resume restores a persisted session. It reports false when there is none or
// the server no longer accepts it.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	token, ok, err := c.session.Restore()
	if err != nil {
		return false, fmt.Errorf("failed to restore session: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := c.start(ctx, token); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Login authenticates with username and password and starts the session.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	token, err := c.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := c.session.Begin(token); err != nil {
		return err
	}
	return c.start(ctx, token)
}

// Register creates an account and starts its session.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return errors.New("username, email and password are required")
	}
	token, err := c.api.Register(ctx, username, email, password)
	if err != nil {
		return err
	}
	if err := c.session.Begin(token); err != nil {
		return err
	}
	return c.start(ctx, token)
}

// start fetches the identity, opens the channel and pulls the directory.
func (c *Client) start(ctx context.Context, token string) error {
	c.api.SetToken(token)
	me, err := c.api.Me(ctx)
	if err != nil {
		c.do(func() error {
			if errors.Is(err, api.ErrUnauthorized) {
				c.endSession(c.gen, err)
			} else {
				c.suspendSession(c.gen, err)
			}
			return nil
		})
		return fmt.Errorf("failed to fetch identity: %w", err)
	}

	var m *ws.Manager
	err = c.do(func() error {
		c.detachManager()
		c.resetLocal()
		c.gen++
		id := chat.IdentityFromWire(me)
		c.session.SetIdentity(id)
		c.hub.Publish(chat.Event{Kind: chat.EventIdentity})

		m = ws.New(c.opts.Server, c.dialer, &connHandler{c: c, gen: c.gen},
			ws.WithLogger(c.wsLogger),
			ws.WithReconnectDelay(c.opts.ReconnectDelay),
			ws.WithPingPeriod(c.opts.PingPeriod),
		)
		c.mu.Lock()
		c.manager = m
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.Connect(ctx, token); err != nil {
		if errors.Is(err, chat.ErrUnauthorized) {
			return err
		}
		// the manager keeps retrying
		c.logger.Printf("Channel not open yet: %v", err)
	}

	return errors.Join(c.RefreshPeers(ctx), c.RefreshGroups(ctx))
}

// Logout ends the session: the channel is closed for good, local state is
// cleared and the persisted token is deleted.
func (c *Client) Logout() error {
	var m *ws.Manager
	err := c.do(func() error {
		if !c.session.Active() {
			return ErrNoSession
		}
		m = c.takeManager()
		c.gen++
		c.resetLocal()
		err := c.session.End()
		c.api.SetToken("")
		c.hub.Publish(chat.Event{Kind: chat.EventSessionEnded})
		return err
	})
	if m != nil {
		m.Close()
	}
	return err
}

// Close stops the client. The persisted token is kept for the next Resume.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		m := c.manager
		c.manager = nil
		c.mu.Unlock()
		if m != nil {
			m.Close()
		}
		c.cancel()
		close(c.quit)
		<-c.done
		c.typing.Clear()
		c.hub.Close()
	})
	return nil
}

// endSession ends the session of generation gen after the server rejected its
// token. Stale generations are ignored. Runs on the event loop.
func (c *Client) endSession(gen uint64, cause error) {
	c.closeSession(gen, cause, c.session.End)
}

// suspendSession is endSession for failures that say nothing about the
// token. The persisted token survives for the next Resume.
func (c *Client) suspendSession(gen uint64, cause error) {
	c.closeSession(gen, cause, func() error {
		c.session.Forget()
		return nil
	})
}

func (c *Client) closeSession(gen uint64, cause error, forget func() error) {
	if gen != c.gen || !c.session.Active() {
		return
	}
	c.logger.Printf("Session ended: %v", cause)
	if m := c.takeManager(); m != nil {
		// Close waits for the manager's goroutines, which may be posting here
		go m.Close()
	}
	c.gen++
	c.resetLocal()
	if err := forget(); err != nil {
		c.logger.Printf("Failed to clear persisted token: %v", err)
	}
	c.api.SetToken("")
	c.hub.Publish(chat.Event{Kind: chat.EventSessionEnded, Err: cause})
}

func (c *Client) takeManager() *ws.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.manager
	c.manager = nil
	c.connState = chat.Disconnected
	return m
}

func (c *Client) detachManager() {
	if m := c.takeManager(); m != nil {
		go m.Close()
	}
}

// resetLocal clears the directory, selection, timeline and typing indicator.
// Runs on the event loop.
func (c *Client) resetLocal() {
	c.dir.ReplacePeers(nil)
	c.dir.ReplaceGroups(nil)
	c.selector.Clear()
	c.timeline.Reset(chat.Conversation{})
	c.typing.Clear()
	c.resolving = make(map[int64]bool)
}

func (c *Client) currentManager() *ws.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

func (c *Client) typingChanged(s chat.TypingState) {
	c.hub.Publish(chat.Event{Kind: chat.EventTyping, Typing: s})
}

// Identity returns the logged-in user.
func (c *Client) Identity() (chat.Identity, bool) {
	return c.session.Identity()
}

// LoggedIn reports whether a session is active.
func (c *Client) LoggedIn() bool {
	return c.session.Active()
}

// State returns the connection state.
func (c *Client) State() chat.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connState
}

// Active returns the open conversation.
func (c *Client) Active() (chat.Conversation, bool) {
	return c.selector.Active()
}

// Messages returns the open conversation's timeline.
func (c *Client) Messages() []chat.Message {
	return c.timeline.Messages()
}

// Peers returns the cached peers sorted by username.
func (c *Client) Peers() []chat.Peer {
	return c.dir.Peers()
}

// Groups returns the cached groups sorted by name.
func (c *Client) Groups() []chat.Group {
	return c.dir.Groups()
}

// Filter searches peers and groups by name.
func (c *Client) Filter(query string) ([]chat.Peer, []chat.Group) {
	return c.dir.Filter(query)
}

// FindPeer looks a peer up by username.
func (c *Client) FindPeer(username string) (chat.Peer, bool) {
	return c.dir.FindPeer(username)
}

// FindGroup looks a group up by name.
func (c *Client) FindGroup(name string) (chat.Group, bool) {
	return c.dir.FindGroup(name)
}

// Typing returns the typing indicator.
func (c *Client) Typing() chat.TypingState {
	return c.typing.State()
}

// Resolve returns the display name and avatar of conv.
func (c *Client) Resolve(conv chat.Conversation) directory.Display {
	return c.dir.Resolve(conv)
}

// ResolveURL makes a server-relative file or avatar reference absolute.
func (c *Client) ResolveURL(ref string) string {
	return c.api.Resolve(ref)
}
