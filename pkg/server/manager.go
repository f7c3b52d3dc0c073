package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport"
)

// ShutdownReason is the close reason sent to every socket on shutdown.
const ShutdownReason = "server shutting down"

type managedSocket struct {
	socket *socket.Socket
	closed chan struct{}
}

// Manager tracks the live sockets of a server.
//
// A slot is reserved before the WebSocket upgrade so a full server can
// answer 503 instead of accepting and immediately closing. The reservation
// becomes an entry when the socket is created and is released when its
// transport closes.
type Manager struct {
	mu       sync.RWMutex
	sockets  map[string]*managedSocket
	reserved int
	peak     int
	closed   bool

	maxSockets int
	logger     *slog.Logger

	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
}

// ManagerStats contains aggregated socket statistics.
type ManagerStats struct {
	Active       int
	Connections  int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
}

// NewManager creates a Manager. maxSockets <= 0 means no limit.
func NewManager(maxSockets int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "manager")
	}
	return &Manager{
		sockets:    make(map[string]*managedSocket),
		maxSockets: maxSockets,
		logger:     logger,
	}
}

// Reserve claims a slot for a socket about to be created. Each successful
// Reserve must be followed by either Track or Release.
func (m *Manager) Reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.maxSockets > 0 && len(m.sockets)+m.reserved >= m.maxSockets {
		return ErrMaxSocketsReached
	}
	m.reserved++
	return nil
}

// Release returns a reserved slot that was not used.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.reserved > 0 {
		m.reserved--
	}
	m.mu.Unlock()
}

// Track returns a socket option that turns a reservation into an entry and
// removes it when the socket's transport closes.
func (m *Manager) Track() socket.Option {
	return func(s *socket.Socket) {
		entry := &managedSocket{socket: s, closed: make(chan struct{})}

		m.mu.Lock()
		if m.reserved > 0 {
			m.reserved--
		}
		m.sockets[s.ID()] = entry
		if n := len(m.sockets); n > m.peak {
			m.peak = n
		}
		m.mu.Unlock()
		m.totalCreated.Add(1)

		s.OnClose(func(code int, reason string, s *socket.Socket) {
			m.remove(s.ID())
			close(entry.closed)
		})
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sockets[id]
	delete(m.sockets, id)
	m.mu.Unlock()

	if ok {
		m.totalClosed.Add(1)
		m.logger.Debug("socket removed", "socket_id", id)
	}
}

// Get returns the socket with the given ID, or nil.
func (m *Manager) Get(id string) *socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sockets[id]; ok {
		return e.socket
	}
	return nil
}

// Count returns the number of live sockets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// ForEach iterates over a snapshot of the live sockets until fn returns
// false.
func (m *Manager) ForEach(fn func(*socket.Socket) bool) {
	for _, s := range m.snapshot() {
		if !fn(s.socket) {
			return
		}
	}
}

// Stats returns aggregated socket statistics.
func (m *Manager) Stats() ManagerStats {
	entries := m.snapshot()

	m.mu.RLock()
	peak := m.peak
	m.mu.RUnlock()

	conns := 0
	for _, e := range entries {
		conns += len(e.socket.Connections())
	}

	return ManagerStats{
		Active:       len(entries),
		Connections:  conns,
		TotalCreated: m.totalCreated.Load(),
		TotalClosed:  m.totalClosed.Load(),
		Peak:         peak,
	}
}

// Shutdown closes every live socket with 1001 and waits until their close
// events ran or ctx is done. No sockets are accepted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	entries := m.snapshot()
	for _, e := range entries {
		if err := e.socket.Close(transport.CloseGoingAway, ShutdownReason); err != nil {
			m.logger.Warn("socket close failed", "socket_id", e.socket.ID(), "error", err)
		}
	}

	for _, e := range entries {
		select {
		case <-e.closed:
		case <-ctx.Done():
			m.logger.Warn("shutdown timed out", "remaining", m.Count())
			return ctx.Err()
		}
	}

	m.logger.Info("socket manager shutdown", "closed_sockets", len(entries))
	return nil
}

func (m *Manager) snapshot() []*managedSocket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedSocket, 0, len(m.sockets))
	for _, e := range m.sockets {
		out = append(out, e)
	}
	return out
}
