package protocol

import (
	"errors"
	"fmt"
)

// Frame errors.
var (
	ErrMalformedFrame   = errors.New("protocol: malformed frame")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
	ErrMissingConnID    = errors.New("protocol: missing connId")
)

// ProtocolError describes a frame that could not be encoded or decoded.
type ProtocolError struct {
	Op     string // "encode" or "decode"
	Err    error  // One of the frame errors above
	Detail string
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (%s)", e.Err, e.Op)
	}
	return fmt.Sprintf("%v (%s): %s", e.Err, e.Op, e.Detail)
}

// Unwrap returns the underlying frame error for errors.Is.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(op string, err error, detail string) *ProtocolError {
	return &ProtocolError{
		Op:     op,
		Err:    err,
		Detail: detail,
	}
}
