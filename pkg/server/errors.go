package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for server and manager conditions.
var (
	// ErrMaxSocketsReached is returned when the socket limit is reached.
	ErrMaxSocketsReached = errors.New("server: max sockets reached")

	// ErrManagerClosed is returned when a socket is added after shutdown.
	ErrManagerClosed = errors.New("server: manager closed")

	// ErrInvalidConfig is wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("server: invalid config")
)

// ConfigError describes an invalid Config field.
type ConfigError struct {
	Field  string
	Reason string
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("server: invalid config: %s %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig for errors.Is.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// UpgradeError wraps a failed WebSocket upgrade with request context.
type UpgradeError struct {
	RequestID  string
	RemoteAddr string
	Err        error
}

// Error returns the error message with request context.
func (e *UpgradeError) Error() string {
	return fmt.Sprintf("server: upgrade %s from %s: %v", e.RequestID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *UpgradeError) Unwrap() error {
	return e.Err
}
