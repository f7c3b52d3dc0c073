package socket

import (
	"runtime/debug"
	"sync"

	"github.com/vango-dev/connmux/pkg/protocol"
)

// EventName identifies a socket event.
type EventName string

const (
	EventOpen        EventName = "open"         // Transport opened
	EventError       EventName = "error"        // Transport or protocol error
	EventLogin       EventName = "login"        // Peer logged in (server only)
	EventConnect     EventName = "connect"      // Connection reached connected
	EventConnectFail EventName = "connect_fail" // Handshake refused or aborted
	EventDisconnect  EventName = "disconnect"   // Connection torn down
	EventEvents      EventName = "events"       // Application values received
	EventReject      EventName = "reject"       // Peer rejected a request
	EventClose       EventName = "close"        // Transport closed
)

// Event is passed to every handler. Which fields are set depends on Name:
// frame events carry Body and Seq, error carries Err, close carries Code
// and Reason. Seq is 0 for events synthesized locally.
type Event struct {
	Name   EventName
	Seq    int64
	Body   protocol.Body
	Err    error
	Code   int
	Reason string

	// Socket is the instance that fired the event.
	Socket *Socket
}

// Handler handles a socket event.
type Handler func(ev *Event)

// registry is a multi-subscriber handler table keyed by event name.
type registry struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[EventName][]Handler)}
}

func (r *registry) add(name EventName, h Handler) {
	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], h)
	r.mu.Unlock()
}

func (r *registry) snapshot(name EventName) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[name]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// On registers h for the named event. Handlers run synchronously, in
// registration order, on the goroutine delivering transport callbacks and
// never while the socket lock is held, so they may call socket verbs.
func (s *Socket) On(name EventName, h Handler) {
	s.events.add(name, h)
}

// OnOpen registers a handler for the transport open event.
func (s *Socket) OnOpen(fn func(s *Socket)) {
	s.On(EventOpen, func(ev *Event) { fn(ev.Socket) })
}

// OnError registers a handler for transport and protocol errors.
func (s *Socket) OnError(fn func(err error, s *Socket)) {
	s.On(EventError, func(ev *Event) { fn(ev.Err, ev.Socket) })
}

// OnLogin registers a handler for login frames received by a server.
func (s *Socket) OnLogin(fn func(body protocol.LoginBody, seq int64, s *Socket)) {
	s.On(EventLogin, func(ev *Event) {
		body, _ := ev.Body.(protocol.LoginBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnConnect registers a handler for connections reaching connected.
func (s *Socket) OnConnect(fn func(body protocol.ConnectBody, seq int64, s *Socket)) {
	s.On(EventConnect, func(ev *Event) {
		body, _ := ev.Body.(protocol.ConnectBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnConnectFail registers a handler for handshakes that never reached
// connected: refused by the peer or aborted by a local Disconnect.
func (s *Socket) OnConnectFail(fn func(body protocol.DisconnectBody, seq int64, s *Socket)) {
	s.On(EventConnectFail, func(ev *Event) {
		body, _ := ev.Body.(protocol.DisconnectBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnDisconnect registers a handler for connections torn down after being
// connected, including the ones dropped by a transport close.
func (s *Socket) OnDisconnect(fn func(body protocol.DisconnectBody, seq int64, s *Socket)) {
	s.On(EventDisconnect, func(ev *Event) {
		body, _ := ev.Body.(protocol.DisconnectBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnEvents registers a handler for application values.
func (s *Socket) OnEvents(fn func(body protocol.EventsBody, seq int64, s *Socket)) {
	s.On(EventEvents, func(ev *Event) {
		body, _ := ev.Body.(protocol.EventsBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnReject registers a handler for reject frames.
func (s *Socket) OnReject(fn func(body protocol.RejectBody, seq int64, s *Socket)) {
	s.On(EventReject, func(ev *Event) {
		body, _ := ev.Body.(protocol.RejectBody)
		fn(body, ev.Seq, ev.Socket)
	})
}

// OnClose registers a handler for the transport close.
func (s *Socket) OnClose(fn func(code int, reason string, s *Socket)) {
	s.On(EventClose, func(ev *Event) { fn(ev.Code, ev.Reason, ev.Socket) })
}

// emit runs every handler registered for ev.Name. A nil ev is a no-op.
func (s *Socket) emit(ev *Event) {
	if ev == nil {
		return
	}
	ev.Socket = s
	for _, h := range s.events.snapshot(ev.Name) {
		s.invoke(h, ev)
	}
}

func (s *Socket) invoke(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"event", string(ev.Name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(ev)
}
