package socket

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/transport"
	"github.com/vango-dev/connmux/pkg/transport/memory"
)

var allEvents = []EventName{
	EventOpen, EventError, EventLogin, EventConnect, EventConnectFail,
	EventDisconnect, EventEvents, EventReject, EventClose,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventLog records every event a socket emits.
type eventLog struct {
	mu     sync.Mutex
	events []*Event
}

func (l *eventLog) option() Option {
	return func(s *Socket) {
		for _, name := range allEvents {
			s.On(name, l.add)
		}
	}
}

func (l *eventLog) add(ev *Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) named(name EventName) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Event
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) names() []EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventName, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

// wait blocks until at least n events named name were recorded.
func (l *eventLog) wait(t *testing.T, name EventName, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs := l.named(name)
		if len(evs) >= n {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q events, got %d (all: %v)", n, name, len(evs), l.names())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// pair is a server and a client socket joined by an in-memory transport.
type pair struct {
	server, client       *Socket
	serverLog, clientLog *eventLog
	serverEnd, clientEnd *memory.Endpoint
}

func newPair(t *testing.T, opts ...Option) *pair {
	t.Helper()
	a, b := memory.NewPair()
	p := &pair{
		serverLog: &eventLog{},
		clientLog: &eventLog{},
		serverEnd: a,
		clientEnd: b,
	}

	serverOpts := append([]Option{WithRequest("request-info"), WithLogger(discardLogger()), p.serverLog.option()}, opts...)
	clientOpts := append([]Option{WithLogger(discardLogger()), p.clientLog.option()}, opts...)

	p.server = New(a, RoleServer, serverOpts...)
	p.client = New(b, RoleClient, clientOpts...)

	p.serverLog.wait(t, EventOpen, 1)
	p.clientLog.wait(t, EventOpen, 1)

	t.Cleanup(func() { a.Close(transport.CloseNormal, "test done") })
	return p
}

// flush waits until every frame already sent in both directions has been
// handled, using reject frames as ordered markers.
func (p *pair) flush(t *testing.T) {
	t.Helper()
	n := len(p.clientLog.named(EventReject))
	if _, err := p.server.Reject(protocol.RejectBody{Seq: -1, Reason: "flush"}); err != nil {
		t.Fatalf("flush Reject() error = %v", err)
	}
	p.clientLog.wait(t, EventReject, n+1)

	n = len(p.serverLog.named(EventReject))
	if _, err := p.client.Reject(protocol.RejectBody{Seq: -1, Reason: "flush"}); err != nil {
		t.Fatalf("flush Reject() error = %v", err)
	}
	p.serverLog.wait(t, EventReject, n+1)
}

// connect runs a server-initiated handshake to completion.
func (p *pair) connect(t *testing.T, connID string) {
	t.Helper()
	n := len(p.serverLog.named(EventConnect))
	if _, err := p.server.Connect(protocol.ConnectBody{ConnID: connID}); err != nil {
		t.Fatalf("Connect(%s) error = %v", connID, err)
	}
	p.serverLog.wait(t, EventConnect, n+1)
}

// captureTransport records sent messages and lets tests drive the socket's
// inbound side directly and synchronously.
type captureTransport struct {
	mu       sync.Mutex
	open     bool
	sent     [][]byte
	listener transport.Listener
	closes   []int
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{open: true}
}

func (c *captureTransport) Listen(l transport.Listener) error {
	c.listener = l
	return nil
}

func (c *captureTransport) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *captureTransport) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *captureTransport) Close(code int, reason string) error {
	c.mu.Lock()
	c.open = false
	c.closes = append(c.closes, code)
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, 0, len(c.sent))
	for _, data := range c.sent {
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			t.Fatalf("sent an undecodable frame %s: %v", data, err)
		}
		out = append(out, f)
	}
	return out
}

// deliver feeds a frame to the socket as if the peer had sent it.
func (c *captureTransport) deliver(t *testing.T, seq int64, body protocol.Body) {
	t.Helper()
	data, err := protocol.EncodeFrame(protocol.NewFrame(seq, body))
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	c.listener.HandleMessage(data)
}

func newCaptured(role Role) (*Socket, *captureTransport, *eventLog) {
	ct := newCaptureTransport()
	log := &eventLog{}
	s := New(ct, role, WithLogger(discardLogger()), log.option())
	return s, ct, log
}
