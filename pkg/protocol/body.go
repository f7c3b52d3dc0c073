package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Body is the kind-specific payload of a frame.
// The concrete type of a Body decides the frame kind.
type Body interface {
	Kind() Kind
}

// LoginBody authenticates the socket as a whole.
type LoginBody struct {
	Credential json.RawMessage `json:"credential"`
}

// ConnectBody opens a logical connection. Seq is a caller supplied
// correlation field, typically the seq of the login being answered.
// Fields holds any other caller supplied members; they travel next to
// connId and seq and come back unchanged in the client's ack.
type ConnectBody struct {
	ConnID string                     `json:"connId"`
	Seq    int64                      `json:"seq,omitempty"`
	Fields map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Fields into the body object. connId and seq win
// over Fields entries of the same name.
func (b ConnectBody) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(b.Fields)+2)
	for k, v := range b.Fields {
		obj[k] = v
	}
	id, err := json.Marshal(b.ConnID)
	if err != nil {
		return nil, err
	}
	obj["connId"] = id
	if b.Seq != 0 {
		obj["seq"] = json.RawMessage(strconv.FormatInt(b.Seq, 10))
	} else {
		delete(obj, "seq")
	}
	return json.Marshal(obj)
}

// UnmarshalJSON reads connId and seq and keeps every other member in Fields.
func (b *ConnectBody) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*b = ConnectBody{}
	if raw, ok := obj["connId"]; ok {
		if err := json.Unmarshal(raw, &b.ConnID); err != nil {
			return fmt.Errorf("connId: %w", err)
		}
		delete(obj, "connId")
	}
	if raw, ok := obj["seq"]; ok {
		if err := json.Unmarshal(raw, &b.Seq); err != nil {
			return fmt.Errorf("seq: %w", err)
		}
		delete(obj, "seq")
	}
	if len(obj) > 0 {
		b.Fields = obj
	}
	return nil
}

// DisconnectBody tears down a logical connection. Seq refers back to the
// frame being answered when the body is an echo or a refusal.
type DisconnectBody struct {
	ConnID string `json:"connId"`
	Seq    int64  `json:"seq,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// EventsBody carries opaque application values for a connected connection.
type EventsBody struct {
	ConnID string            `json:"connId"`
	Values []json.RawMessage `json:"values"`
}

// RejectBody rejects the request identified by Seq.
type RejectBody struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

func (LoginBody) Kind() Kind      { return KindLogin }
func (ConnectBody) Kind() Kind    { return KindConnect }
func (DisconnectBody) Kind() Kind { return KindDisconnect }
func (EventsBody) Kind() Kind     { return KindEvents }
func (RejectBody) Kind() Kind     { return KindReject }

// NewLoginBody marshals credential into a LoginBody.
func NewLoginBody(credential any) (LoginBody, error) {
	raw, err := json.Marshal(credential)
	if err != nil {
		return LoginBody{}, fmt.Errorf("protocol: marshal credential: %w", err)
	}
	return LoginBody{Credential: raw}, nil
}

// NewEventsBody marshals each value into an EventsBody for connID.
func NewEventsBody(connID string, values ...any) (EventsBody, error) {
	body := EventsBody{
		ConnID: connID,
		Values: make([]json.RawMessage, 0, len(values)),
	}
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return EventsBody{}, fmt.Errorf("protocol: marshal value %d: %w", i, err)
		}
		body.Values = append(body.Values, raw)
	}
	return body, nil
}

// connIDOf returns the connection id carried by b, if any.
func connIDOf(b Body) (string, bool) {
	switch v := b.(type) {
	case ConnectBody:
		return v.ConnID, true
	case DisconnectBody:
		return v.ConnID, true
	case EventsBody:
		return v.ConnID, true
	default:
		return "", false
	}
}

// ConnID returns the connection id of a connection-scoped body, or "" for
// login and reject bodies.
func ConnID(b Body) string {
	id, _ := connIDOf(b)
	return id
}
