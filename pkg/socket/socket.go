package socket

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/transport"
)

// Role is the fixed side a Socket plays on its transport.
type Role uint8

const (
	RoleClient Role = iota // May log in; cannot start connect handshakes
	RoleServer             // Carries request metadata; starts connect handshakes
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Phase is the local state of one logical connection.
type Phase uint8

const (
	PhaseDisconnected  Phase = iota // No entry: never connected or fully torn down
	PhaseConnecting                 // Connect sent, ack not yet received
	PhaseConnected                  // Handshake complete
	PhaseDisconnecting              // Disconnect sent, echo not yet received
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// connState is one entry of the connection table. established records
// whether connected was ever reached, which decides between disconnect and
// connect_fail when a teardown completes.
type connState struct {
	phase       Phase
	established bool
}

// ConnInfo is a snapshot of one connection table entry.
type ConnInfo struct {
	ConnID string
	Phase  Phase
}

// Direction tells whether a frame was sent or received.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// FrameObserver is notified of every frame crossing the transport. Outbound
// frames are observed while the socket lock is held: observers must not
// call back into the socket.
type FrameObserver interface {
	ObserveFrame(s *Socket, dir Direction, f protocol.Frame, size int)
}

// FrameObserverFunc adapts a function to a FrameObserver.
type FrameObserverFunc func(s *Socket, dir Direction, f protocol.Frame, size int)

// ObserveFrame calls fn.
func (fn FrameObserverFunc) ObserveFrame(s *Socket, dir Direction, f protocol.Frame, size int) {
	fn(s, dir, f, size)
}

// Option configures a Socket. Options run before the socket starts
// listening on its transport, so handlers they register see the open event.
type Option func(*Socket)

// WithRequest attaches the request metadata of a server-role socket.
func WithRequest(info any) Option {
	return func(s *Socket) {
		s.request = info
	}
}

// WithID sets the socket ID used in logs and metrics.
// Default: a random UUID.
func WithID(id string) Option {
	return func(s *Socket) {
		if id != "" {
			s.id = id
		}
	}
}

// WithLogger sets the socket logger.
// Default: slog.Default() with component=socket.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Socket) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver adds a frame observer.
func WithObserver(obs FrameObserver) Option {
	return func(s *Socket) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// Socket multiplexes logical connections over one transport.
//
// Each Socket keeps its own connection table; two peers agree on a
// connection only through the frames they exchange. All table mutation is
// serialized by one mutex, and frames are handed to the transport under
// that mutex so wire order matches state order.
type Socket struct {
	id        string
	role      Role
	request   any
	transport transport.Transport
	logger    *slog.Logger
	observers []FrameObserver

	seq atomic.Int64

	mu    sync.Mutex
	conns map[string]*connState

	events *registry
}

// New wraps t in a Socket playing role and starts listening on t.
func New(t transport.Transport, role Role, opts ...Option) *Socket {
	s := &Socket{
		id:        uuid.NewString(),
		role:      role,
		transport: t,
		conns:     make(map[string]*connState),
		events:    newRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if role == RoleClient {
		s.request = nil
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "socket")
	}
	s.logger = s.logger.With("socket_id", s.id, "role", role.String())

	if err := t.Listen(transportListener{s}); err != nil {
		s.logger.Error("transport listen failed", "error", err)
	}
	return s
}

// NewConnID returns a fresh random connection ID.
func NewConnID() string {
	return uuid.NewString()
}

// ID returns the socket ID.
func (s *Socket) ID() string {
	return s.id
}

// Role returns the socket role.
func (s *Socket) Role() Role {
	return s.role
}

// IsClient reports whether the socket plays the client role.
func (s *Socket) IsClient() bool {
	return s.role == RoleClient
}

// Request returns the request metadata of a server-role socket, nil for
// clients.
func (s *Socket) Request() any {
	return s.request
}

// Logger returns the socket logger.
func (s *Socket) Logger() *slog.Logger {
	return s.logger
}

// Transport returns the underlying transport.
func (s *Socket) Transport() transport.Transport {
	return s.transport
}

// Phase returns the local phase of connID.
func (s *Socket) Phase(connID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.conns[connID]; ok {
		return st.phase
	}
	return PhaseDisconnected
}

// IsConnected reports whether connID has completed its handshake.
func (s *Socket) IsConnected(connID string) bool {
	return s.Phase(connID) == PhaseConnected
}

// IsConnecting reports whether a connect handshake for connID is in flight.
func (s *Socket) IsConnecting(connID string) bool {
	return s.Phase(connID) == PhaseConnecting
}

// IsDisconnecting reports whether a teardown for connID is in flight.
func (s *Socket) IsDisconnecting(connID string) bool {
	return s.Phase(connID) == PhaseDisconnecting
}

// Connections returns a snapshot of the connection table sorted by ID.
func (s *Socket) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for id, st := range s.conns {
		out = append(out, ConnInfo{ConnID: id, Phase: st.phase})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (s *Socket) observe(dir Direction, f protocol.Frame, size int) {
	for _, obs := range s.observers {
		obs.ObserveFrame(s, dir, f, size)
	}
}

// transportListener keeps the transport callbacks off the Socket's
// exported API.
type transportListener struct {
	s *Socket
}

func (l transportListener) HandleOpen() {
	l.s.emit(&Event{Name: EventOpen})
}

func (l transportListener) HandleMessage(data []byte) {
	l.s.handleMessage(data)
}

func (l transportListener) HandleError(err error) {
	l.s.logger.Warn("transport error", "error", err)
	l.s.emit(&Event{Name: EventError, Err: err})
}

func (l transportListener) HandleClose(code int, reason string) {
	l.s.handleClose(code, reason)
}
