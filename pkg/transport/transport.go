// Package transport defines the physical message channel a connmux Socket
// multiplexes over.
//
// A Transport delivers whole text messages in order and reports its own
// open/error/close lifecycle to exactly one Listener. Implementations live
// in the memory (in-process pair) and wsconn (gorilla/websocket)
// subpackages.
package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned by Send after the transport has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrListening is returned by Listen when a listener is already registered.
	ErrListening = errors.New("transport: listener already registered")
)

// Close codes used by connmux. They follow RFC 6455 so they can be passed
// straight to a WebSocket close frame.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseAbnormal      = 1006
	CloseTryAgainLater = 1013
)

// Listener receives transport lifecycle callbacks.
//
// Callbacks for one transport are serialized and delivered in order.
// HandleClose is the last callback a listener ever receives.
type Listener interface {
	HandleOpen()
	HandleMessage(data []byte)
	HandleError(err error)
	HandleClose(code int, reason string)
}

// Transport is a bidirectional, message-framed connection.
type Transport interface {
	// Listen registers l and starts delivery. It may be called once.
	Listen(l Listener) error

	// Send hands one message to the transport. It must not invoke the
	// listener synchronously.
	Send(data []byte) error

	// IsOpen reports whether Send may currently succeed.
	IsOpen() bool

	// Close starts closing the transport. Both ends eventually receive
	// HandleClose with the given code and reason.
	Close(code int, reason string) error
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Open    func()
	Message func(data []byte)
	Error   func(err error)
	Closed  func(code int, reason string)
}

func (f ListenerFuncs) HandleOpen() {
	if f.Open != nil {
		f.Open()
	}
}

func (f ListenerFuncs) HandleMessage(data []byte) {
	if f.Message != nil {
		f.Message(data)
	}
}

func (f ListenerFuncs) HandleError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ListenerFuncs) HandleClose(code int, reason string) {
	if f.Closed != nil {
		f.Closed(code, reason)
	}
}
