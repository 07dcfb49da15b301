// Package server is an in-memory messenger backend: the REST API under /api,
// the per-user channel at /ws/{token} and the uploaded files under /uploads/.
package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Options configures a Server. Zero values take defaults.
type Options struct {
	Address string
	// UploadDir holds uploaded files; defaults to a directory under os.TempDir.
	UploadDir string
	// Secret signs access tokens; defaults to a random value per process.
	Secret     []byte
	TokenTTL   time.Duration
	BcryptCost int
	// IdleTimeout closes channels that sent nothing, pings included, for
	// this long.
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// Server represents the messenger backend
type Server struct {
	address     string
	listener    net.Listener
	server      *http.Server
	db          *memDB
	auth        *authority
	uploadDir   string
	idleTimeout time.Duration
	logger      *log.Logger
	quit        chan struct{}
	wg          sync.WaitGroup

	// mu guards the listener, the http server, stopped and clients.
	// Channels are only added to wg while holding it and not stopped.
	mu      sync.RWMutex
	stopped bool
	clients map[int64]map[*Client]bool
}

// New creates a new Server instance
func New(opts Options) (*Server, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(os.TempDir(), "messenger-uploads")
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.NewString())
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[SERVER] ", log.LstdFlags|log.Lshortfile)
	}

	return &Server{
		address: opts.Address,
		db:      newMemDB(),
		auth: &authority{
			secret: opts.Secret,
			ttl:    opts.TokenTTL,
			cost:   opts.BcryptCost,
			now:    time.Now,
		},
		uploadDir:   opts.UploadDir,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		clients:     make(map[int64]map[*Client]bool),
		quit:        make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the API, the channel and uploads.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/me", s.authenticated(s.handleMe))
	mux.HandleFunc("PUT /api/profile", s.authenticated(s.handleUpdateProfile))
	mux.HandleFunc("POST /api/profile/avatar", s.authenticated(s.handleAvatar))
	mux.HandleFunc("PUT /api/profile/password", s.authenticated(s.handleChangePassword))
	mux.HandleFunc("GET /api/users", s.authenticated(s.handleUsers))
	mux.HandleFunc("GET /api/users/{id}", s.handleUser)
	mux.HandleFunc("GET /api/messages/{peer}", s.authenticated(s.handleDirectHistory))
	mux.HandleFunc("POST /api/groups", s.authenticated(s.handleCreateGroup))
	mux.HandleFunc("GET /api/groups", s.authenticated(s.handleGroups))
	mux.HandleFunc("POST /api/groups/{id}/join", s.authenticated(s.handleJoinGroup))
	mux.HandleFunc("GET /api/groups/{id}/messages", s.authenticated(s.handleGroupHistory))
	mux.HandleFunc("POST /api/upload", s.authenticated(s.handleUpload))
	mux.HandleFunc("GET /ws/{token}", s.handleWebSocket)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadDir))))
	return mux
}

// Start starts the server and blocks until Stop is called
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Printf("Server started on %s", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for either error or quit signal
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return nil
	}
}

// Stop stops the server and closes every channel. Calling it again is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.quit)
	srv := s.server
	for _, clients := range s.clients {
		for client := range clients {
			client.conn.Close()
		}
	}
	s.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
	s.wg.Wait()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of open channels
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, clients := range s.clients {
		n += len(clients)
	}
	return n
}
