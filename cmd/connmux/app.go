package main

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"

	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/socket"
)

// ReasonInvalidCredential rejects a login whose token is not configured.
const ReasonInvalidCredential = "invalid credential"

// echoApp opens one connection per accepted login and echoes every events
// frame back on the connection it arrived on.
type echoApp struct {
	tokens [][]byte
	logger *slog.Logger
}

func newEchoApp(tokens []string, logger *slog.Logger) *echoApp {
	app := &echoApp{logger: logger}
	for _, t := range tokens {
		app.tokens = append(app.tokens, []byte(t))
	}
	return app
}

// Attach registers the app's handlers on a server socket.
func (a *echoApp) Attach(s *socket.Socket) {
	s.OnLogin(a.handleLogin)
	s.OnEvents(func(body protocol.EventsBody, seq int64, s *socket.Socket) {
		if _, err := s.Dispatch(body); err != nil {
			a.logger.Warn("echo failed", "socket_id", s.ID(), "conn_id", body.ConnID, "error", err)
		}
	})
	s.OnDisconnect(func(body protocol.DisconnectBody, seq int64, s *socket.Socket) {
		a.logger.Info("connection closed", "socket_id", s.ID(), "conn_id", body.ConnID, "reason", body.Reason)
	})
}

func (a *echoApp) handleLogin(body protocol.LoginBody, seq int64, s *socket.Socket) {
	if !a.accepts(credentialToken(body.Credential)) {
		a.logger.Info("login rejected", "socket_id", s.ID(), "seq", seq)
		if _, err := s.Reject(protocol.RejectBody{Seq: seq, Reason: ReasonInvalidCredential}); err != nil {
			a.logger.Warn("reject failed", "socket_id", s.ID(), "error", err)
		}
		return
	}

	connID := socket.NewConnID()
	if _, err := s.Connect(protocol.ConnectBody{ConnID: connID, Seq: seq}); err != nil {
		a.logger.Warn("connect failed", "socket_id", s.ID(), "conn_id", connID, "error", err)
		return
	}
	a.logger.Info("login accepted", "socket_id", s.ID(), "conn_id", connID)
}

// accepts reports whether token is configured. With no tokens every login
// is accepted.
func (a *echoApp) accepts(token string) bool {
	if len(a.tokens) == 0 {
		return true
	}
	ok := 0
	for _, t := range a.tokens {
		ok |= subtle.ConstantTimeCompare(t, []byte(token))
	}
	return ok == 1
}

// credentialToken accepts either a bare JSON string or {"token": "..."}.
func credentialToken(raw json.RawMessage) string {
	var token string
	if err := json.Unmarshal(raw, &token); err == nil {
		return token
	}
	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Token
	}
	return ""
}
