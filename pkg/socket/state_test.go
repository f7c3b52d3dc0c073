package socket

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-dev/connmux/pkg/protocol"
)

func TestState_ServerRefusesClientConnect(t *testing.T) {
	s, ct, log := newCaptured(RoleServer)

	ct.deliver(t, 9, protocol.ConnectBody{ConnID: "y", Seq: 1})

	frames := ct.frames(t)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	want := protocol.NewFrame(1, protocol.DisconnectBody{ConnID: "y", Seq: 9, Reason: ReasonClientInitiated})
	if diff := cmp.Diff(want, frames[0]); diff != "" {
		t.Errorf("refusal frame mismatch (-want +got):\n%s", diff)
	}
	if s.Phase("y") != PhaseDisconnected {
		t.Errorf("phase = %v, want disconnected", s.Phase("y"))
	}
	if n := len(log.named(EventConnect)); n != 0 {
		t.Errorf("connect events = %d, want 0", n)
	}
}

func TestState_ClientAcksConnect(t *testing.T) {
	s, ct, log := newCaptured(RoleClient)

	ct.deliver(t, 4, protocol.ConnectBody{ConnID: "x", Seq: 7})

	if !s.IsConnected("x") {
		t.Fatalf("phase = %v, want connected", s.Phase("x"))
	}
	frames := ct.frames(t)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if diff := cmp.Diff(protocol.ConnectBody{ConnID: "x", Seq: 7}, frames[0].Body); diff != "" {
		t.Errorf("ack body mismatch (-want +got):\n%s", diff)
	}
	evs := log.named(EventConnect)
	if len(evs) != 1 || evs[0].Seq != 4 {
		t.Fatalf("connect events = %v", evs)
	}
}

func TestState_ClientAckKeepsCallerFields(t *testing.T) {
	_, ct, _ := newCaptured(RoleClient)

	body := protocol.ConnectBody{ConnID: "x", Seq: 3, Fields: map[string]json.RawMessage{
		"room": json.RawMessage(`"lobby"`),
	}}
	ct.deliver(t, 5, body)

	frames := ct.frames(t)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if diff := cmp.Diff(body, frames[0].Body); diff != "" {
		t.Errorf("ack body mismatch (-want +got):\n%s", diff)
	}
}

func TestState_ServerIgnoresDuplicateAck(t *testing.T) {
	s, ct, log := newCaptured(RoleServer)

	if _, err := s.Connect(protocol.ConnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})
	ct.deliver(t, 2, protocol.ConnectBody{ConnID: "x"})

	if n := len(log.named(EventConnect)); n != 1 {
		t.Errorf("connect events = %d, want 1", n)
	}
	if n := len(ct.frames(t)); n != 1 {
		t.Errorf("sent %d frames, want only the original connect", n)
	}
	if !s.IsConnected("x") {
		t.Errorf("phase = %v, want connected", s.Phase("x"))
	}
}

func TestState_ClientIgnoresConnectWhileDisconnecting(t *testing.T) {
	s, ct, log := newCaptured(RoleClient)

	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})
	if _, err := s.Disconnect(protocol.DisconnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	sent := len(ct.frames(t))

	ct.deliver(t, 2, protocol.ConnectBody{ConnID: "x"})

	if !s.IsDisconnecting("x") {
		t.Errorf("phase = %v, want disconnecting", s.Phase("x"))
	}
	if n := len(ct.frames(t)); n != sent {
		t.Errorf("sent %d frames after ignored connect, want %d", n, sent)
	}
	if n := len(log.named(EventConnect)); n != 1 {
		t.Errorf("connect events = %d, want 1", n)
	}
}

// Connects crossing on the wire cannot be told apart from a connect and
// its ack, so both peers end connected.
func TestState_CrossingConnect(t *testing.T) {
	server, serverWire, serverLog := newCaptured(RoleServer)
	client, clientWire, clientLog := newCaptured(RoleClient)

	serverSeq, err := server.Connect(protocol.ConnectBody{ConnID: "x"})
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	clientSeq, err := client.Connect(protocol.ConnectBody{ConnID: "x"})
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}

	serverWire.deliver(t, clientSeq, protocol.ConnectBody{ConnID: "x"})
	clientWire.deliver(t, serverSeq, protocol.ConnectBody{ConnID: "x"})

	if !server.IsConnected("x") || !client.IsConnected("x") {
		t.Fatalf("phases = %v/%v, want connected on both", server.Phase("x"), client.Phase("x"))
	}
	if n := len(clientLog.named(EventConnectFail)); n != 0 {
		t.Errorf("client connect_fail events = %d, want 0", n)
	}
	if n := len(serverLog.named(EventConnect)); n != 1 {
		t.Errorf("server connect events = %d, want 1", n)
	}
}

func TestState_CrossingDisconnect(t *testing.T) {
	s, ct, log := newCaptured(RoleServer)

	if _, err := s.Connect(protocol.ConnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})

	ourSeq, err := s.Disconnect(protocol.DisconnectBody{ConnID: "x", Reason: "server done"})
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// The peer's own disconnect was already on the wire.
	ct.deliver(t, 2, protocol.DisconnectBody{ConnID: "x", Reason: "client done"})
	// Its echo of ours arrives after the entry is gone.
	ct.deliver(t, 3, protocol.DisconnectBody{ConnID: "x", Seq: ourSeq, Reason: ReasonEcho})

	evs := log.named(EventDisconnect)
	if len(evs) != 1 {
		t.Fatalf("disconnect events = %d, want 1", len(evs))
	}
	if got := evs[0].Body.(protocol.DisconnectBody).Reason; got != "client done" {
		t.Errorf("disconnect reason = %q, want client done", got)
	}
	if n := len(log.named(EventConnectFail)); n != 0 {
		t.Errorf("connect_fail events = %d, want 0", n)
	}

	var kinds []protocol.Kind
	for _, f := range ct.frames(t) {
		kinds = append(kinds, f.Kind())
	}
	if diff := cmp.Diff([]protocol.Kind{protocol.KindConnect, protocol.KindDisconnect}, kinds); diff != "" {
		t.Errorf("sent kinds mismatch (-want +got):\n%s", diff)
	}
	if s.Phase("x") != PhaseDisconnected {
		t.Errorf("phase = %v, want disconnected", s.Phase("x"))
	}
}

func TestState_PeerRefusesHandshake(t *testing.T) {
	s, ct, log := newCaptured(RoleServer)

	seq, err := s.Connect(protocol.ConnectBody{ConnID: "x"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ct.deliver(t, 1, protocol.DisconnectBody{ConnID: "x", Seq: seq, Reason: "no"})

	if n := len(log.named(EventConnectFail)); n != 1 {
		t.Errorf("connect_fail events = %d, want 1", n)
	}
	if n := len(ct.frames(t)); n != 1 {
		t.Errorf("sent %d frames, want no echo for a refused handshake", n)
	}
}

func TestState_DisconnectForUnknownIsIgnored(t *testing.T) {
	_, ct, log := newCaptured(RoleClient)

	ct.deliver(t, 1, protocol.DisconnectBody{ConnID: "ghost"})

	if n := len(ct.frames(t)); n != 0 {
		t.Errorf("sent %d frames, want 0", n)
	}
	if n := len(log.named(EventDisconnect)) + len(log.named(EventConnectFail)); n != 0 {
		t.Errorf("emitted %d teardown events, want 0", n)
	}
}

func TestState_LoginToClientRejectFrame(t *testing.T) {
	_, ct, log := newCaptured(RoleClient)

	ct.deliver(t, 12, protocol.LoginBody{Credential: []byte(`"t"`)})

	frames := ct.frames(t)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if diff := cmp.Diff(protocol.RejectBody{Seq: 12, Reason: ReasonLoginToClient}, frames[0].Body); diff != "" {
		t.Errorf("reject body mismatch (-want +got):\n%s", diff)
	}
	if n := len(log.named(EventLogin)); n != 0 {
		t.Errorf("login events = %d, want 0", n)
	}
}

func TestState_ReplyDroppedWhenClosed(t *testing.T) {
	s, ct, log := newCaptured(RoleClient)
	ct.Close(1000, "gone")

	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})

	if n := len(ct.frames(t)); n != 0 {
		t.Errorf("sent %d frames on a closed transport", n)
	}
	if !s.IsConnected("x") || len(log.named(EventConnect)) != 1 {
		t.Error("inbound connect not applied while transport closing")
	}
}

func TestState_ConnectErrors(t *testing.T) {
	s, ct, _ := newCaptured(RoleServer)

	if _, err := s.Connect(protocol.ConnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := s.Connect(protocol.ConnectBody{ConnID: "x"})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if err.Error() != "connection [x] is already connected" {
		t.Errorf("error message = %q", err.Error())
	}

	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})
	if _, err := s.Disconnect(protocol.DisconnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	_, err = s.Connect(protocol.ConnectBody{ConnID: "x"})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("Connect() while disconnecting error = %v", err)
	}
	if err.Error() != "connection [x] is still disconnecting" {
		t.Errorf("error message = %q", err.Error())
	}

	_, err = s.Disconnect(protocol.DisconnectBody{ConnID: "nope"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Disconnect(nope) error = %v, want ErrNotConnected", err)
	}
	if err.Error() != "connection [nope] not existed or already disconnected" {
		t.Errorf("error message = %q", err.Error())
	}

	var se *SocketError
	if !errors.As(err, &se) || se.Op != "disconnect" || se.ConnID != "nope" {
		t.Errorf("SocketError = %+v", se)
	}
}

func TestState_EmptyConnIDIsRefused(t *testing.T) {
	tests := []struct {
		name string
		op   string
		call func(s *Socket) (int64, error)
	}{
		{
			name: "connect",
			op:   "connect",
			call: func(s *Socket) (int64, error) {
				return s.Connect(protocol.ConnectBody{Seq: 1})
			},
		},
		{
			name: "disconnect",
			op:   "disconnect",
			call: func(s *Socket) (int64, error) {
				return s.Disconnect(protocol.DisconnectBody{Reason: "bye"})
			},
		},
		{
			name: "dispatch",
			op:   "dispatch",
			call: func(s *Socket) (int64, error) {
				return s.Dispatch(protocol.EventsBody{Values: []json.RawMessage{json.RawMessage(`1`)}})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, ct, log := newCaptured(RoleServer)

			seq, err := tc.call(s)
			if !errors.Is(err, protocol.ErrMissingConnID) {
				t.Fatalf("error = %v, want ErrMissingConnID", err)
			}
			if seq != 0 {
				t.Errorf("seq = %d, want 0", seq)
			}
			var se *SocketError
			if !errors.As(err, &se) || se.Op != tc.op {
				t.Errorf("SocketError = %+v, want op %s", se, tc.op)
			}

			if n := len(ct.frames(t)); n != 0 {
				t.Errorf("sent %d frames, want 0", n)
			}
			if s.Phase("") != PhaseDisconnected {
				t.Errorf("phase = %v, want disconnected", s.Phase(""))
			}
			if n := len(s.Connections()); n != 0 {
				t.Errorf("connections = %d, want 0", n)
			}
			if n := len(log.named(EventError)); n != 0 {
				t.Errorf("error events = %d, want 0", n)
			}
		})
	}
}

// A refused empty connId does not use up a seq.
func TestState_EmptyConnIDDoesNotConsumeSeq(t *testing.T) {
	s, ct, _ := newCaptured(RoleServer)

	if _, err := s.Connect(protocol.ConnectBody{}); err == nil {
		t.Fatal("Connect(\"\") error = nil")
	}
	seq, err := s.Connect(protocol.ConnectBody{ConnID: "x"})
	if err != nil {
		t.Fatalf("Connect(x) error = %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if n := len(ct.frames(t)); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
}

func TestState_HandlerPanicIsRecovered(t *testing.T) {
	s, ct, log := newCaptured(RoleServer)
	s.On(EventReject, func(*Event) { panic("handler bug") })

	ct.deliver(t, 1, protocol.RejectBody{Seq: 1, Reason: "a"})
	ct.deliver(t, 2, protocol.RejectBody{Seq: 2, Reason: "b"})

	if n := len(log.named(EventReject)); n != 2 {
		t.Errorf("reject events = %d, want 2", n)
	}
}

func TestState_ConnectionsSnapshot(t *testing.T) {
	s, ct, _ := newCaptured(RoleServer)

	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.Connect(protocol.ConnectBody{ConnID: id}); err != nil {
			t.Fatalf("Connect(%s) error = %v", id, err)
		}
	}
	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "b"})

	want := []ConnInfo{
		{ConnID: "a", Phase: PhaseConnecting},
		{ConnID: "b", Phase: PhaseConnected},
		{ConnID: "c", Phase: PhaseConnecting},
	}
	if diff := cmp.Diff(want, s.Connections()); diff != "" {
		t.Errorf("Connections() mismatch (-want +got):\n%s", diff)
	}
}

func TestState_ObserverSeesBothDirections(t *testing.T) {
	ct := newCaptureTransport()
	type seen struct {
		dir  Direction
		kind protocol.Kind
	}
	var got []seen
	s := New(ct, RoleServer, WithLogger(discardLogger()), WithObserver(FrameObserverFunc(
		func(_ *Socket, dir Direction, f protocol.Frame, size int) {
			if size <= 0 {
				t.Errorf("observed size %d", size)
			}
			got = append(got, seen{dir, f.Kind()})
		})))

	if _, err := s.Connect(protocol.ConnectBody{ConnID: "x"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ct.deliver(t, 1, protocol.ConnectBody{ConnID: "x"})

	want := []seen{
		{Outbound, protocol.KindConnect},
		{Inbound, protocol.KindConnect},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(seen{})); diff != "" {
		t.Errorf("observed mismatch (-want +got):\n%s", diff)
	}
}
