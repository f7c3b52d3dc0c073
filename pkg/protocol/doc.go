// Package protocol implements the connmux wire format.
//
// connmux multiplexes many logical connections over one message-framed
// transport such as a WebSocket. Every transport message carries exactly
// one frame encoded as a JSON array:
//
//	[kind, seq, body]
//
// kind is one of "login", "connect", "disconnect", "events" or "reject".
// seq is an integer assigned by the sender and handed back to the local
// caller as the correlation handle for the request. body is a JSON object
// whose shape depends on kind.
//
// # Frame Kinds
//
//   - login: {"credential": any}. Authenticates the whole socket.
//   - connect: {"connId": string, "seq"?: int}. Connect handshake and its ack.
//   - disconnect: {"connId": string, "seq"?: int, "reason"?: string}.
//     Teardown, its echo, and the refusal of an illegal connect.
//   - events: {"connId": string, "values": [any...]}. Application data.
//   - reject: {"seq": int, "reason": string}. Connection-less rejection.
//
// connect_fail and close are local event names only; they never appear on
// the wire.
//
// # Handshake
//
//	Server                          Client
//	  │                                │
//	  │──── connect {connId} ────────>│  connecting → connected
//	  │                                │
//	  │<─── connect {connId} (ack) ───│
//	  │  connecting → connected        │
//	  │                                │
//	  │──── disconnect {connId} ─────>│  removed
//	  │                                │
//	  │<─── disconnect {reason:echo} ─│
//	  │  removed                       │
//
// Inside Go code frames are a tagged union: a Frame holds a Body whose
// concrete type decides the kind. The positional array form exists only at
// the transport boundary.
package protocol
