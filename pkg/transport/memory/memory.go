// Package memory provides an in-process transport pair for tests and for
// running two connmux sockets in the same binary.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/vango-dev/connmux/pkg/transport"
)

// Stats counts traffic through one endpoint.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

type itemKind uint8

const (
	itemMessage itemKind = iota
	itemError
	itemClose
)

type item struct {
	kind   itemKind
	data   []byte
	err    error
	code   int
	reason string
}

// Endpoint is one end of an in-memory transport pair.
//
// Messages sent on one endpoint are delivered to the other endpoint's
// listener in order, on a dedicated goroutine, so Send never calls back
// into the sender.
type Endpoint struct {
	peer *Endpoint

	mu       sync.Mutex
	queue    []item
	listener transport.Listener
	signal   chan struct{}
	done     chan struct{}

	open    atomic.Bool
	closing atomic.Bool

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

// NewPair creates a pair of connected, open endpoints.
func NewPair() (*Endpoint, *Endpoint) {
	a := newEndpoint()
	b := newEndpoint()
	a.peer = b
	b.peer = a
	return a, b
}

func newEndpoint() *Endpoint {
	e := &Endpoint{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.open.Store(true)
	return e
}

// Listen implements transport.Transport. Delivery starts with HandleOpen.
func (e *Endpoint) Listen(l transport.Listener) error {
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		return transport.ErrListening
	}
	e.listener = l
	e.mu.Unlock()

	go e.pump()
	return nil
}

// Send implements transport.Transport.
func (e *Endpoint) Send(data []byte) error {
	if !e.open.Load() {
		return transport.ErrClosed
	}

	// Copy message to avoid data races
	msg := make([]byte, len(data))
	copy(msg, data)

	e.peer.enqueue(item{kind: itemMessage, data: msg})
	e.messagesSent.Add(1)
	e.bytesSent.Add(uint64(len(data)))
	return nil
}

// IsOpen implements transport.Transport.
func (e *Endpoint) IsOpen() bool {
	return e.open.Load()
}

// Close implements transport.Transport. Both endpoints receive
// HandleClose(code, reason) after any messages already queued for them.
func (e *Endpoint) Close(code int, reason string) error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.peer.closing.Store(true)

	e.open.Store(false)
	e.peer.open.Store(false)

	closeItem := item{kind: itemClose, code: code, reason: reason}
	e.enqueue(closeItem)
	e.peer.enqueue(closeItem)
	return nil
}

// InjectError delivers err to this endpoint's listener, as a real
// transport would on a recoverable read error.
func (e *Endpoint) InjectError(err error) {
	e.enqueue(item{kind: itemError, err: err})
}

// Inject delivers raw data to this endpoint's listener as if the peer had
// sent it. Useful for feeding malformed frames.
func (e *Endpoint) Inject(data []byte) {
	msg := make([]byte, len(data))
	copy(msg, data)
	e.enqueue(item{kind: itemMessage, data: msg})
}

// Done is closed once the endpoint has delivered HandleClose.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Stats returns a snapshot of the endpoint's counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		MessagesSent:     e.messagesSent.Load(),
		MessagesReceived: e.messagesReceived.Load(),
		BytesSent:        e.bytesSent.Load(),
		BytesReceived:    e.bytesReceived.Load(),
	}
}

func (e *Endpoint) enqueue(it item) {
	e.mu.Lock()
	e.queue = append(e.queue, it)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) next() (item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return item{}, false
	}
	it := e.queue[0]
	e.queue[0] = item{}
	e.queue = e.queue[1:]
	return it, true
}

func (e *Endpoint) pump() {
	defer close(e.done)

	e.listener.HandleOpen()

	for {
		it, ok := e.next()
		if !ok {
			<-e.signal
			continue
		}

		switch it.kind {
		case itemMessage:
			e.messagesReceived.Add(1)
			e.bytesReceived.Add(uint64(len(it.data)))
			e.listener.HandleMessage(it.data)
		case itemError:
			e.listener.HandleError(it.err)
		case itemClose:
			e.listener.HandleClose(it.code, it.reason)
			return
		}
	}
}
