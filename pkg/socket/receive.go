package socket

import (
	"sort"

	"github.com/vango-dev/connmux/pkg/protocol"
)

// handleMessage decodes one transport message, updates the connection
// table, and emits the resulting event after releasing the lock.
func (s *Socket) handleMessage(data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("frame decode error", "error", err)
		s.emit(&Event{Name: EventError, Err: err})
		return
	}
	s.observe(Inbound, f, len(data))

	var ev *Event

	s.mu.Lock()
	switch body := f.Body.(type) {
	case protocol.LoginBody:
		ev = s.receiveLoginLocked(f.Seq, body)
	case protocol.ConnectBody:
		ev = s.receiveConnectLocked(f.Seq, body)
	case protocol.DisconnectBody:
		ev = s.receiveDisconnectLocked(f.Seq, body)
	case protocol.EventsBody:
		ev = &Event{Name: EventEvents, Seq: f.Seq, Body: body}
	case protocol.RejectBody:
		ev = &Event{Name: EventReject, Seq: f.Seq, Body: body}
	}
	s.mu.Unlock()

	s.emit(ev)
}

func (s *Socket) receiveLoginLocked(seq int64, body protocol.LoginBody) *Event {
	if s.role == RoleClient {
		s.replyLocked("reject", protocol.RejectBody{Seq: seq, Reason: ReasonLoginToClient})
		return nil
	}
	return &Event{Name: EventLogin, Seq: seq, Body: body}
}

func (s *Socket) receiveConnectLocked(seq int64, body protocol.ConnectBody) *Event {
	st := s.conns[body.ConnID]

	if s.role == RoleServer {
		switch {
		case st == nil:
			// A server never answers a connect it did not start.
			s.replyLocked("connect", protocol.DisconnectBody{
				ConnID: body.ConnID,
				Seq:    seq,
				Reason: ReasonClientInitiated,
			})
			return nil
		case st.phase == PhaseConnecting:
			st.phase = PhaseConnected
			st.established = true
			return &Event{Name: EventConnect, Seq: seq, Body: body}
		default:
			s.logger.Debug("connect ack ignored", "conn_id", body.ConnID, "phase", st.phase.String())
			return nil
		}
	}

	if st != nil && st.phase != PhaseConnecting {
		s.logger.Debug("connect ignored", "conn_id", body.ConnID, "phase", st.phase.String())
		return nil
	}

	s.conns[body.ConnID] = &connState{phase: PhaseConnected, established: true}
	s.replyLocked("connect", body)
	return &Event{Name: EventConnect, Seq: seq, Body: body}
}

func (s *Socket) receiveDisconnectLocked(seq int64, body protocol.DisconnectBody) *Event {
	st, ok := s.conns[body.ConnID]
	if !ok {
		s.logger.Debug("disconnect for unknown connection", "conn_id", body.ConnID)
		return nil
	}
	delete(s.conns, body.ConnID)

	switch st.phase {
	case PhaseDisconnecting:
		// Echo of our own teardown, or a teardown crossing ours on the wire.
		if st.established {
			return &Event{Name: EventDisconnect, Seq: seq, Body: body}
		}
		return &Event{Name: EventConnectFail, Seq: seq, Body: body}

	case PhaseConnecting:
		// The peer refused our handshake.
		return &Event{Name: EventConnectFail, Seq: seq, Body: body}

	default:
		s.replyLocked("disconnect", protocol.DisconnectBody{
			ConnID: body.ConnID,
			Seq:    seq,
			Reason: ReasonEcho,
		})
		return &Event{Name: EventDisconnect, Seq: seq, Body: body}
	}
}

// replyLocked sends a protocol-generated frame. Failures are logged only:
// the caller is reacting to a received frame, not to its own call.
func (s *Socket) replyLocked(op string, body protocol.Body) {
	if !s.transport.IsOpen() {
		s.logger.Debug("reply dropped, transport not open", "op", op)
		return
	}
	if _, err := s.sendLocked(op, body); err != nil {
		s.logger.Warn("reply failed", "op", op, "error", err)
	}
}

// handleClose drops every live connection, emitting a local disconnect for
// each connecting or connected one, then emits close.
func (s *Socket) handleClose(code int, reason string) {
	s.mu.Lock()
	var dropped []string
	for id, st := range s.conns {
		if st.phase == PhaseConnecting || st.phase == PhaseConnected {
			dropped = append(dropped, id)
		}
	}
	s.conns = make(map[string]*connState)
	s.mu.Unlock()

	sort.Strings(dropped)

	s.logger.Info("transport closed",
		"code", code,
		"reason", reason,
		"dropped", len(dropped))

	for _, id := range dropped {
		s.emit(&Event{
			Name: EventDisconnect,
			Body: protocol.DisconnectBody{ConnID: id, Reason: reason},
		})
	}
	s.emit(&Event{Name: EventClose, Code: code, Reason: reason})
}
