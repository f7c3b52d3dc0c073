package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the type of frame on the wire.
type Kind string

const (
	KindLogin      Kind = "login"      // Socket authentication
	KindConnect    Kind = "connect"    // Connect handshake and ack
	KindDisconnect Kind = "disconnect" // Teardown, echo and refusal
	KindEvents     Kind = "events"     // Application values
	KindReject     Kind = "reject"     // Connection-less rejection
)

// String returns the wire tag of the kind.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a kind that may appear on the wire.
func (k Kind) Valid() bool {
	switch k {
	case KindLogin, KindConnect, KindDisconnect, KindEvents, KindReject:
		return true
	default:
		return false
	}
}

// Frame is one [kind, seq, body] unit.
type Frame struct {
	Seq  int64
	Body Body
}

// NewFrame creates a frame with the given seq and body.
func NewFrame(seq int64, body Body) Frame {
	return Frame{Seq: seq, Body: body}
}

// Kind returns the kind of the frame's body.
func (f Frame) Kind() Kind {
	if f.Body == nil {
		return ""
	}
	return f.Body.Kind()
}

// ConnID returns the connection id carried by the frame, or "".
func (f Frame) ConnID() string {
	return ConnID(f.Body)
}

// EncodeFrame encodes f as the JSON array [kind, seq, body].
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Body == nil {
		return nil, NewProtocolError("encode", ErrMalformedFrame, "nil body")
	}
	if id, scoped := connIDOf(f.Body); scoped && id == "" {
		return nil, NewProtocolError("encode", ErrMissingConnID, string(f.Body.Kind()))
	}
	body, err := json.Marshal(f.Body)
	if err != nil {
		return nil, NewProtocolError("encode", ErrMalformedFrame, err.Error())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`["`)
	buf.WriteString(string(f.Body.Kind()))
	buf.WriteString(`",`)
	fmt.Fprintf(&buf, "%d", f.Seq)
	buf.WriteByte(',')
	buf.Write(body)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// DecodeFrame decodes a frame from its JSON array form.
func DecodeFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, NewProtocolError("decode", ErrMalformedFrame, err.Error())
	}
	if len(parts) != 3 {
		return Frame{}, NewProtocolError("decode", ErrMalformedFrame,
			fmt.Sprintf("expected 3 elements, got %d", len(parts)))
	}

	var kind Kind
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return Frame{}, NewProtocolError("decode", ErrMalformedFrame, "kind is not a string")
	}

	var seq int64
	if err := json.Unmarshal(parts[1], &seq); err != nil {
		return Frame{}, NewProtocolError("decode", ErrMalformedFrame, "seq is not an integer")
	}

	body, err := decodeBody(kind, parts[2])
	if err != nil {
		return Frame{}, err
	}

	if id, scoped := connIDOf(body); scoped && id == "" {
		return Frame{}, NewProtocolError("decode", ErrMissingConnID, string(kind))
	}

	return Frame{Seq: seq, Body: body}, nil
}

func decodeBody(kind Kind, raw json.RawMessage) (Body, error) {
	var (
		body Body
		err  error
	)

	switch kind {
	case KindLogin:
		var b LoginBody
		err = json.Unmarshal(raw, &b)
		body = b
	case KindConnect:
		var b ConnectBody
		err = json.Unmarshal(raw, &b)
		body = b
	case KindDisconnect:
		var b DisconnectBody
		err = json.Unmarshal(raw, &b)
		body = b
	case KindEvents:
		var b EventsBody
		err = json.Unmarshal(raw, &b)
		body = b
	case KindReject:
		var b RejectBody
		err = json.Unmarshal(raw, &b)
		body = b
	default:
		return nil, NewProtocolError("decode", ErrInvalidFrameType, string(kind))
	}

	if err != nil {
		return nil, NewProtocolError("decode", ErrMalformedFrame,
			fmt.Sprintf("%s body: %v", kind, err))
	}
	return body, nil
}
