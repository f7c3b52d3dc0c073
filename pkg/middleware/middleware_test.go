package middleware

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport"
	"github.com/vango-dev/connmux/pkg/transport/memory"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testPair struct {
	server, client       *socket.Socket
	serverEnd, clientEnd *memory.Endpoint
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestPair joins a server and a client socket over an in-memory pair.
func newTestPair(t *testing.T, serverOpts, clientOpts []socket.Option) *testPair {
	t.Helper()
	a, b := memory.NewPair()

	opened := make(chan struct{}, 2)
	onOpen := func(s *socket.Socket) { s.OnOpen(func(*socket.Socket) { opened <- struct{}{} }) }

	p := &testPair{serverEnd: a, clientEnd: b}
	p.server = socket.New(a, socket.RoleServer,
		append([]socket.Option{socket.WithLogger(quietLogger()), onOpen}, serverOpts...)...)
	p.client = socket.New(b, socket.RoleClient,
		append([]socket.Option{socket.WithLogger(quietLogger()), onOpen}, clientOpts...)...)

	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for open")
		}
	}
	t.Cleanup(func() { a.Close(transport.CloseNormal, "") })
	return p
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
