package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/vango-dev/connmux/pkg/transport"
)

type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) listener() transport.Listener {
	return transport.ListenerFuncs{
		Open:    func() { r.events <- "open" },
		Message: func(data []byte) { r.events <- "message:" + string(data) },
		Error:   func(err error) { r.events <- "error:" + err.Error() },
		Closed: func(code int, reason string) {
			r.events <- "close:" + reason
		},
	}
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport callback")
		return ""
	}
}

func TestPair_DeliversInOrderAfterOpen(t *testing.T) {
	a, b := NewPair()
	ra, rb := newRecorder(), newRecorder()

	// Messages sent before Listen are queued.
	if err := a.Send([]byte("one")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := b.Listen(rb.listener()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := a.Listen(ra.listener()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := a.Send([]byte("two")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []string{"open", "message:one", "message:two"}
	for _, w := range want {
		if got := rb.next(t); got != w {
			t.Fatalf("callback = %q, want %q", got, w)
		}
	}
	if got := ra.next(t); got != "open" {
		t.Fatalf("sender callback = %q, want open", got)
	}

	stats := a.Stats()
	if stats.MessagesSent != 2 || stats.BytesSent != 6 {
		t.Errorf("sender stats = %+v", stats)
	}
}

func TestPair_CloseReachesBothEnds(t *testing.T) {
	a, b := NewPair()
	ra, rb := newRecorder(), newRecorder()
	a.Listen(ra.listener())
	b.Listen(rb.listener())

	a.Send([]byte("last"))
	if err := a.Close(transport.CloseNormal, "bye"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if a.IsOpen() || b.IsOpen() {
		t.Fatal("endpoints still open after Close")
	}
	if err := b.Send([]byte("late")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Send() after close error = %v, want ErrClosed", err)
	}

	for _, w := range []string{"open", "message:last", "close:bye"} {
		if got := rb.next(t); got != w {
			t.Fatalf("peer callback = %q, want %q", got, w)
		}
	}
	for _, w := range []string{"open", "close:bye"} {
		if got := ra.next(t); got != w {
			t.Fatalf("closer callback = %q, want %q", got, w)
		}
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after close delivery")
	}

	// Second close is a no-op.
	if err := b.Close(transport.CloseNormal, "again"); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestEndpoint_ListenTwice(t *testing.T) {
	a, _ := NewPair()
	if err := a.Listen(transport.ListenerFuncs{}); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := a.Listen(transport.ListenerFuncs{}); !errors.Is(err, transport.ErrListening) {
		t.Fatalf("second Listen() error = %v, want ErrListening", err)
	}
}

func TestEndpoint_InjectErrorAndData(t *testing.T) {
	a, _ := NewPair()
	ra := newRecorder()
	a.Listen(ra.listener())

	a.InjectError(errors.New("boom"))
	a.Inject([]byte("raw"))

	for _, w := range []string{"open", "error:boom", "message:raw"} {
		if got := ra.next(t); got != w {
			t.Fatalf("callback = %q, want %q", got, w)
		}
	}
}
