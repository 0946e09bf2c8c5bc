// Package server exposes a Relay over HTTP. It upgrades WebSocket requests,
// hands each connection to the relay's loop in its own goroutine and serves
// the health and metrics endpoints alongside.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/cyberinferno/wsrelay/logger"
	"github.com/cyberinferno/wsrelay/relay"
	"github.com/cyberinferno/wsrelay/wsconn"
)

const (
	DefaultWSPath          = "/ws"
	DefaultShutdownTimeout = 5 * time.Second
)

// Server accepts WebSocket connections and runs each one through a Relay.
// It runs its listener in a goroutine and supports graceful stop.
type Server struct {
	logger          logger.Logger
	name            string
	addr            string
	wsPath          string
	relay           *relay.Relay
	metrics         http.Handler
	upgrader        websocket.Upgrader
	connOptions     []wsconn.Option
	shutdownTimeout time.Duration

	running  atomic.Bool
	listener net.Listener
	httpSrv  *http.Server
	router   chi.Router

	// mu guards stopping, ctx and cancel, and orders loops.Add against the
	// Wait in drain. ctx parents every connection loop; cancel ends them all.
	mu       sync.Mutex
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithWSPath sets the upgrade path. Default: "/ws".
func WithWSPath(path string) Option {
	return func(s *Server) {
		s.wsPath = path
	}
}

// WithMetricsHandler mounts h at /metrics. Without it the endpoint is absent.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithConnOptions sets the options applied to every upgraded connection.
func WithConnOptions(opts ...wsconn.Option) Option {
	return func(s *Server) {
		s.connOptions = opts
	}
}

// WithCheckOrigin replaces the upgrader's origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// OriginChecker returns an origin check accepting requests without an Origin
// header and requests whose Origin exactly matches one of origins.
func OriginChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// WithShutdownTimeout bounds how long Stop waits for HTTP handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a Server for r.
//
// Parameters:
//   - addr: The listen address, e.g. ":8080"; port 0 picks a free port
//   - r: The relay every accepted connection is handed to
//   - opts: Optional settings
//
// Returns:
//   - A stopped Server; call Start to listen or mount Handler yourself
func New(addr string, r *relay.Relay, opts ...Option) *Server {
	s := &Server{
		logger:          logger.NewNopLogger(),
		name:            "wsrelay",
		addr:            addr,
		wsPath:          DefaultWSPath,
		relay:           r,
		shutdownTimeout: DefaultShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.wsPath, s.handleUpgrade)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds to the configured address and serves in a goroutine. It is safe
// to call only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or if listening fails
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.name)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	// A previous Stop cancelled the loop context; start a fresh one.
	s.mu.Lock()
	if s.stopping {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.stopping = false
	}
	s.mu.Unlock()

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info(fmt.Sprintf("%s server started", s.name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "ws_path", Value: s.wsPath},
	)

	go s.serve()

	return nil
}

func (s *Server) serve() {
	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error(fmt.Sprintf("%s server serve error", s.name), logger.Field{Key: "error", Value: err})
	}
}

// Addr returns the bound listen address once started, or the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Stop stops accepting connections, ends every connection loop and waits for
// them to finalize. Safe to call when the server is not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.logger.Info(fmt.Sprintf("%s server not running", s.name))
		s.drain()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn(fmt.Sprintf("%s server shutdown", s.name), logger.Field{Key: "error", Value: err})
	}

	s.drain()
	s.logger.Info(fmt.Sprintf("%s server stopped", s.name))
}

// drain ends the loops of connections upgraded through Handler.
func (s *Server) drain() {
	s.mu.Lock()
	s.stopping = true
	s.cancel()
	s.mu.Unlock()

	// No handler can add a loop past this point, so Wait sees every one.
	s.relay.CloseAll()
	s.loops.Wait()
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.loops.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.loops.Done()
		// The upgrader has already written the HTTP error response.
		s.logger.Warn("upgrade_failed",
			logger.Field{Key: "remote_addr", Value: r.RemoteAddr},
			logger.Field{Key: "error", Value: err},
		)
		return
	}

	t := wsconn.New(conn, s.connOptions...)

	go func() {
		defer s.loops.Done()
		s.relay.Handle(ctx, t)
	}()
}

type healthResponse struct {
	Status               string  `json:"status"`
	Sessions             int     `json:"sessions"`
	OldestSessionSeconds float64 `json:"oldest_session_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reg := s.relay.Registry()
	resp := healthResponse{Status: "ok", Sessions: reg.Len()}
	if oldest := reg.Oldest(); !oldest.IsZero() {
		resp.OldestSessionSeconds = time.Since(oldest).Seconds()
	}
	status := http.StatusOK
	if s.isStopping() {
		resp.Status = "stopping"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
