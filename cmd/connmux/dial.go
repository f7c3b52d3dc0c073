package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/connmux/internal/errors"
	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport"
	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

type dialOptions struct {
	url     string
	token   string
	timeout time.Duration
}

func dialCmd(global *globalFlags) *cobra.Command {
	opts := dialOptions{}

	cmd := &cobra.Command{
		Use:   "dial [url]",
		Short: "Connect to a connmux server and exchange events",
		Long: `Dial a connmux server, log in and wait for a connection.

Once connected, every line read from stdin is sent as one event value
and every frame received is printed. At end of input the connection is
disconnected and the socket closed.

Examples:
  connmux dial ws://localhost:8080/socket --token=secret
  echo hello | connmux dial ws://localhost:8080/socket`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.url = args[0]
			}
			if opts.url == "" {
				return errors.New("C202").WithDetail("a server URL is required").
					WithSuggestion("connmux dial ws://localhost:8080/socket")
			}
			if opts.timeout <= 0 {
				return errors.New("C201").WithDetail("--timeout must be positive")
			}

			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			tc := wsconn.DefaultConfig()
			tc.Logger = logger.With("component", "wsconn")
			return runDial(cmd.Context(), opts, tc, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Server WebSocket URL")
	cmd.Flags().StringVarP(&opts.token, "token", "t", "", "Login token")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Time to wait for the connection and for teardown")

	return cmd
}

// dialSession tracks the single connection a dial session uses.
type dialSession struct {
	out io.Writer

	mu     sync.Mutex
	connID string

	connected    chan string
	rejected     chan string
	disconnected chan struct{}
	closed       chan struct{}
}

func (d *dialSession) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format+"\n", args...)
}

func (d *dialSession) attach(s *socket.Socket) {
	s.OnConnect(func(body protocol.ConnectBody, seq int64, _ *socket.Socket) {
		d.printf("connect %s", body.ConnID)
		d.mu.Lock()
		first := d.connID == ""
		if first {
			d.connID = body.ConnID
		}
		d.mu.Unlock()
		if first {
			d.connected <- body.ConnID
		}
	})
	s.OnConnectFail(func(body protocol.DisconnectBody, seq int64, _ *socket.Socket) {
		d.printf("connect_fail %s %s", body.ConnID, body.Reason)
	})
	s.OnEvents(func(body protocol.EventsBody, seq int64, _ *socket.Socket) {
		for _, v := range body.Values {
			d.printf("events %s %s", body.ConnID, v)
		}
	})
	s.OnReject(func(body protocol.RejectBody, seq int64, _ *socket.Socket) {
		d.printf("reject %d %s", body.Seq, body.Reason)
		select {
		case d.rejected <- body.Reason:
		default:
		}
	})
	s.OnDisconnect(func(body protocol.DisconnectBody, seq int64, _ *socket.Socket) {
		d.printf("disconnect %s", body.ConnID)
		d.mu.Lock()
		mine := body.ConnID == d.connID
		d.mu.Unlock()
		if mine {
			close(d.disconnected)
		}
	})
	s.OnError(func(err error, _ *socket.Socket) {
		d.printf("error %v", err)
	})
	s.OnClose(func(code int, reason string, _ *socket.Socket) {
		d.printf("close %d %s", code, reason)
		close(d.closed)
	})
}

// runDial logs in, waits for the server to open a connection, then sends
// each line of in as an event until EOF.
func runDial(ctx context.Context, opts dialOptions, tc *wsconn.Config, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	conn, err := wsconn.Dial(dialCtx, opts.url, http.Header{}, tc)
	if err != nil {
		return errors.New("C301").Wrap(err)
	}

	d := &dialSession{
		out:          out,
		connected:    make(chan string, 1),
		rejected:     make(chan string, 1),
		disconnected: make(chan struct{}),
		closed:       make(chan struct{}),
	}
	s := socket.New(conn, socket.RoleClient, d.attach)
	defer s.Close(transport.CloseNormal, "bye")

	if _, err := s.Login(opts.token); err != nil {
		return err
	}

	var connID string
	select {
	case connID = <-d.connected:
	case reason := <-d.rejected:
		return errors.Newf(errors.CategoryNetwork, "login rejected: %s", reason)
	case <-d.closed:
		return errors.New("C302").WithDetail("socket closed before a connection opened")
	case <-dialCtx.Done():
		return errors.New("C301").WithDetail("no connection opened").Wrap(dialCtx.Err())
	}

	done := make(chan struct{})
	defer close(done)
	lines, readErr := scanLines(in, done)

	for {
		select {
		case line := <-lines:
			body, err := protocol.NewEventsBody(connID, line)
			if err != nil {
				return err
			}
			if _, err := s.Dispatch(body); err != nil {
				return err
			}
		case err := <-readErr:
			if err != nil {
				return err
			}
			return finishDial(s, d, connID, opts.timeout)
		case <-d.disconnected:
			return nil
		case <-d.closed:
			return nil
		case <-ctx.Done():
			return finishDial(s, d, connID, opts.timeout)
		}
	}
}

// scanLines reads lines from in until EOF or until done is closed. The
// error channel receives the scanner error on EOF and is closed when the
// reader goroutine exits.
func scanLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errs <- scanner.Err()
	}()
	return lines, errs
}

// finishDial disconnects connID and waits for the teardown to complete.
func finishDial(s *socket.Socket, d *dialSession, connID string, timeout time.Duration) error {
	if _, err := s.Disconnect(protocol.DisconnectBody{ConnID: connID}); err != nil {
		return err
	}
	select {
	case <-d.disconnected:
	case <-d.closed:
	case <-time.After(timeout):
		return errors.Newf(errors.CategoryNetwork, "timed out waiting for disconnect of %s", connID)
	}
	return nil
}
