package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/connmux/pkg/middleware"
	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

// RequestInfo is the upgrade request metadata carried by server-role
// sockets. Read it with Socket.Request().(*server.RequestInfo).
type RequestInfo struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	Header     http.Header
}

// Server is the HTTP/WebSocket server that runs a socket per connection.
type Server struct {
	config         *Config
	sockets        *Manager
	trustedProxies *proxyMatcher
	upgrader       websocket.Upgrader

	mu       sync.RWMutex
	options  []socket.Option
	onSocket []func(*socket.Socket)

	httpServer *http.Server
	shutdown   bool
	logger     *slog.Logger
}

// New creates a Server. Unset config fields take their defaults; an
// invalid config is logged here and reported by Run.
func New(config *Config) *Server {
	config = config.withDefaults()
	logger := slog.Default().With("component", "server")

	if err := config.Validate(); err != nil {
		logger.Error("config validation failed", "error", err)
	}

	s := &Server{
		config:         config,
		sockets:        NewManager(config.MaxSockets, logger.With("component", "manager")),
		trustedProxies: newProxyMatcher(config.TrustedProxies, logger),
		logger:         logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     config.CheckOrigin,
	}
	return s
}

// Use adds socket options applied to every accepted socket, in order.
func (s *Server) Use(opts ...socket.Option) {
	s.mu.Lock()
	s.options = append(s.options, opts...)
	s.mu.Unlock()
}

// OnSocket registers fn to run for every accepted socket before it starts
// reading, after the options given to Use.
func (s *Server) OnSocket(fn func(*socket.Socket)) {
	s.mu.Lock()
	s.onSocket = append(s.onSocket, fn)
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving the socket endpoint, /healthz
// and, when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.config.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get(s.config.Path, s.HandleWebSocket)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleWebSocket upgrades the request and runs a server-role socket on it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.sockets.Reserve(); err != nil {
		middleware.RecordError("max_sockets")
		s.logger.Warn("socket rejected", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	info := &RequestInfo{
		ID:         chimw.GetReqID(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: s.clientIP(r),
		Header:     r.Header.Clone(),
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sockets.Release()
		// Upgrade already wrote the HTTP error response.
		s.logger.Error("websocket upgrade failed", "error", &UpgradeError{
			RequestID:  info.ID,
			RemoteAddr: info.RemoteAddr,
			Err:        err,
		})
		return
	}

	tc := s.config.Transport.Clone()
	tc.Logger = s.logger.With("component", "wsconn", "request_id", info.ID)

	sock := socket.New(wsconn.New(ws, tc), socket.RoleServer, s.socketOptions(info)...)
	s.logger.Debug("socket accepted",
		"socket_id", sock.ID(),
		"request_id", info.ID,
		"remote_addr", info.RemoteAddr)
}

func (s *Server) socketOptions(info *RequestInfo) []socket.Option {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opts := make([]socket.Option, 0, len(s.options)+len(s.onSocket)+3)
	opts = append(opts,
		socket.WithRequest(info),
		socket.WithLogger(slog.Default().With("component", "socket", "request_id", info.ID)),
		s.sockets.Track(),
	)
	opts = append(opts, s.options...)
	for _, fn := range s.onSocket {
		opts = append(opts, socket.Option(fn))
	}
	return opts
}

// ListenAndServe starts the HTTP server and blocks until it stops.
// It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "address", s.config.Address, "path", s.config.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run starts the server and shuts it down on SIGINT or SIGTERM.
func (s *Server) Run() error {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every socket with 1001 and stops the HTTP server,
// bounded by Config.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.sockets.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Sockets returns the socket manager.
func (s *Server) Sockets() *Manager {
	return s.sockets
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}
