package socket

import (
	"github.com/vango-dev/connmux/pkg/protocol"
)

// Verbs resolve as soon as the frame is handed to the transport. The
// returned seq is only a correlation handle; completion of a handshake is
// observed through the connect, connect_fail and disconnect events.

// Login sends the credential to the server. Only clients may log in.
func (s *Socket) Login(credential any) (int64, error) {
	if s.role == RoleServer {
		return 0, errLoginOnServer()
	}

	body, err := protocol.NewLoginBody(credential)
	if err != nil {
		return 0, &SocketError{Op: "login", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transport.IsOpen() {
		return 0, errNotReady("login")
	}
	return s.sendLocked("login", body)
}

// Connect starts a connect handshake for body.ConnID. The connection is
// marked connecting immediately. Only handshakes started by the server
// reach connected; a client-started one ends in connect_fail.
//
// A connect frame carries no ack marker, so a server that has its own
// handshake in flight for body.ConnID takes the client's connect as the ack.
// If both peers call Connect for the same connId at once, the handshake
// therefore ends connected on both sides instead of failing on the client.
// Servers should allocate connIds (see NewConnID) so that this never happens.
func (s *Socket) Connect(body protocol.ConnectBody) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transport.IsOpen() {
		return 0, errNotReady("connect")
	}
	if body.ConnID == "" {
		return 0, errMissingConnID("connect")
	}

	if st, ok := s.conns[body.ConnID]; ok {
		if st.phase == PhaseDisconnecting {
			return 0, errStillDisconnecting(body.ConnID)
		}
		return 0, errAlreadyConnected(body.ConnID)
	}

	s.conns[body.ConnID] = &connState{phase: PhaseConnecting}

	seq, err := s.sendLocked("connect", body)
	if err != nil {
		delete(s.conns, body.ConnID)
		return 0, err
	}
	return seq, nil
}

// Disconnect starts tearing down body.ConnID, which may still be
// connecting. Calling it again while the teardown is in flight returns
// (0, nil) without sending anything.
func (s *Socket) Disconnect(body protocol.DisconnectBody) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transport.IsOpen() {
		return 0, errNotReady("disconnect")
	}
	if body.ConnID == "" {
		return 0, errMissingConnID("disconnect")
	}

	st, ok := s.conns[body.ConnID]
	if !ok {
		return 0, errNotExisted(body.ConnID)
	}
	if st.phase == PhaseDisconnecting {
		return 0, nil
	}

	prev := st.phase
	st.established = prev == PhaseConnected
	st.phase = PhaseDisconnecting

	seq, err := s.sendLocked("disconnect", body)
	if err != nil {
		st.phase = prev
		return 0, err
	}
	return seq, nil
}

// Dispatch sends application values on a connected connection.
func (s *Socket) Dispatch(body protocol.EventsBody) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transport.IsOpen() {
		return 0, errNotReady("dispatch")
	}
	if body.ConnID == "" {
		return 0, errMissingConnID("dispatch")
	}

	st, ok := s.conns[body.ConnID]
	if !ok || st.phase != PhaseConnected {
		return 0, errNotConnected(body.ConnID)
	}
	return s.sendLocked("dispatch", body)
}

// Reject rejects the peer request identified by body.Seq.
func (s *Socket) Reject(body protocol.RejectBody) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transport.IsOpen() {
		return 0, errNotReady("reject")
	}
	return s.sendLocked("reject", body)
}

// Close closes the transport. Connections are dropped when the close
// event arrives, on both peers.
func (s *Socket) Close(code int, reason string) error {
	if err := s.transport.Close(code, reason); err != nil {
		return &SocketError{Op: "close", Err: err}
	}
	return nil
}

// sendLocked encodes body under a fresh seq and hands it to the transport.
// s.mu must be held.
func (s *Socket) sendLocked(op string, body protocol.Body) (int64, error) {
	seq := s.seq.Add(1)
	f := protocol.NewFrame(seq, body)

	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return 0, &SocketError{Op: op, ConnID: protocol.ConnID(body), Err: err}
	}
	if err := s.transport.Send(data); err != nil {
		return 0, &SocketError{Op: op, ConnID: protocol.ConnID(body), Err: err}
	}

	s.observe(Outbound, f, len(data))
	return seq, nil
}
