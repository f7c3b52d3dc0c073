// Package socket implements the connmux connection-multiplexing session.
//
// A Socket wraps one transport and plays a fixed Role. Server and client
// sockets exchange frames to open and close logical connections, each
// identified by an opaque connId, independently of the transport's own
// lifecycle.
//
// # Connection Lifecycle
//
//	absent ──Connect──> connecting ──ack──> connected
//	   ^                    │                   │
//	   │               Disconnect          Disconnect
//	   │                    v                   v
//	   └──────echo──── disconnecting <──────────┘
//
// Only the server may start a connect handshake. A client that tries gets
// connect_fail with ReasonClientInitiated. A teardown started before the
// handshake completed ends in connect_fail on the initiator instead of
// disconnect, so applications can tell "aborted before use" from "used
// then closed".
//
// # Usage
//
//	s := socket.New(conn, socket.RoleServer, socket.WithRequest(info))
//	s.OnLogin(func(body protocol.LoginBody, seq int64, s *socket.Socket) {
//	    s.Connect(protocol.ConnectBody{ConnID: socket.NewConnID(), Seq: seq})
//	})
//	s.OnEvents(func(body protocol.EventsBody, seq int64, s *socket.Socket) {
//	    // handle values
//	})
//
// Verbs never wait for the peer. They return the seq assigned to the
// outgoing frame, or fail synchronously with a *SocketError wrapping
// ErrNotReady, ErrRoleViolation, ErrAlreadyConnected or ErrNotConnected.
// There are no timeouts: a handshake the peer never answers stays in
// flight until Disconnect or the transport closes.
package socket

//go:generate mockgen -destination=mock_transport_test.go -package=socket github.com/vango-dev/connmux/pkg/transport Transport
