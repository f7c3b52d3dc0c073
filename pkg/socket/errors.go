package socket

import (
	"errors"
	"fmt"

	"github.com/vango-dev/connmux/pkg/protocol"
)

// Sentinel errors for the synchronous failures of socket verbs.
// Every verb failure is a *SocketError wrapping one of these (or a
// transport or protocol error), so callers match with errors.Is. A verb
// given an empty connId fails with protocol.ErrMissingConnID.
var (
	// ErrNotReady is returned when the transport is not open at send time.
	ErrNotReady = errors.New("socket is not ready")

	// ErrRoleViolation is returned when a verb is called on the wrong role.
	ErrRoleViolation = errors.New("socket: role violation")

	// ErrAlreadyConnected is returned by Connect for a connId that is
	// connecting, connected or still disconnecting.
	ErrAlreadyConnected = errors.New("socket: already connected")

	// ErrNotConnected is returned by Disconnect for an unknown connId and by
	// Dispatch for a connId that is not fully connected.
	ErrNotConnected = errors.New("socket: not connected")
)

// Reasons carried in protocol-generated frames.
const (
	// ReasonEcho marks the acknowledging disconnect frame.
	ReasonEcho = "echo"

	// ReasonClientInitiated refuses a connect handshake started by a client.
	ReasonClientInitiated = "initiate connect handshake from client is not allowed"

	// ReasonLoginToClient rejects a login frame received by a client.
	ReasonLoginToClient = "can't sign in to client"
)

// SocketError describes a failed socket verb.
type SocketError struct {
	Op      string // Verb that failed
	ConnID  string // Connection the verb referenced, if any
	Err     error  // Sentinel or transport error
	Message string // Human-readable message, if different from Err
}

// Error returns the human-readable message.
func (e *SocketError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ConnID == "" {
		return fmt.Sprintf("socket: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("socket: %s [%s]: %v", e.Op, e.ConnID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SocketError) Unwrap() error {
	return e.Err
}

func errNotReady(op string) *SocketError {
	return &SocketError{Op: op, Err: ErrNotReady, Message: ErrNotReady.Error()}
}

func errLoginOnServer() *SocketError {
	return &SocketError{
		Op:      "login",
		Err:     ErrRoleViolation,
		Message: "can't sign in on server side",
	}
}

func errMissingConnID(op string) *SocketError {
	return &SocketError{
		Op:      op,
		Err:     protocol.ErrMissingConnID,
		Message: "connection id is required",
	}
}

func errAlreadyConnected(connID string) *SocketError {
	return &SocketError{
		Op:      "connect",
		ConnID:  connID,
		Err:     ErrAlreadyConnected,
		Message: fmt.Sprintf("connection [%s] is already connected", connID),
	}
}

func errStillDisconnecting(connID string) *SocketError {
	return &SocketError{
		Op:      "connect",
		ConnID:  connID,
		Err:     ErrAlreadyConnected,
		Message: fmt.Sprintf("connection [%s] is still disconnecting", connID),
	}
}

func errNotExisted(connID string) *SocketError {
	return &SocketError{
		Op:      "disconnect",
		ConnID:  connID,
		Err:     ErrNotConnected,
		Message: fmt.Sprintf("connection [%s] not existed or already disconnected", connID),
	}
}

func errNotConnected(connID string) *SocketError {
	return &SocketError{
		Op:      "dispatch",
		ConnID:  connID,
		Err:     ErrNotConnected,
		Message: fmt.Sprintf("connection [%s] is not connected", connID),
	}
}
