package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/connmux/internal/errors"
	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/server"
	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport"
	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

type benchConfig struct {
	URL          string
	Token        string
	Clients      int
	Connections  int
	Duration     time.Duration
	RPS          float64
	PayloadBytes int
	EventTimeout time.Duration
	JSONOutput   string
}

type benchCounters struct {
	eventsSent     atomic.Uint64
	eventsComplete atomic.Uint64
	bytesSent      atomic.Uint64
	handshakes     atomic.Uint64

	dialFailures      atomic.Uint64
	handshakeFailures atomic.Uint64
	timeouts          atomic.Uint64
	sendFailures      atomic.Uint64
}

func benchCmd() *cobra.Command {
	cfg := benchConfig{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure echo round trips over multiplexed connections",
		Long: `Open many client sockets, log each one in several times to get
multiple connections per socket, and measure the round trip of events
echoed by the server.

Without --url an in-process echo server is started on a random port.

Examples:
  connmux bench --clients=50 --connections=4 --duration=10s
  connmux bench --url=ws://localhost:8080/socket --token=secret --json=report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Clients < 1 || cfg.Connections < 1 {
				return errors.New("C201").WithDetail("--clients and --connections must be at least 1")
			}
			if cfg.RPS <= 0 || cfg.Duration <= 0 {
				return errors.New("C201").WithDetail("--rps and --duration must be positive")
			}

			if cfg.URL == "" {
				url, stop, err := startBenchServer()
				if err != nil {
					return err
				}
				defer stop()
				cfg.URL = url
			}

			report, err := runBench(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			writeBenchSummary(cmd.ErrOrStderr(), report)
			if cfg.JSONOutput != "" {
				return writeBenchJSON(cfg.JSONOutput, cmd.OutOrStdout(), report)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.URL, "url", "", "Server WebSocket URL (default: in-process server)")
	f.StringVar(&cfg.Token, "token", "", "Login token")
	f.IntVar(&cfg.Clients, "clients", 10, "Concurrent client sockets")
	f.IntVar(&cfg.Connections, "connections", 2, "Logical connections per socket")
	f.DurationVar(&cfg.Duration, "duration", 5*time.Second, "Benchmark duration")
	f.Float64Var(&cfg.RPS, "rps", 20, "Events per second per connection")
	f.IntVar(&cfg.PayloadBytes, "payload-bytes", 64, "Event payload size")
	f.DurationVar(&cfg.EventTimeout, "event-timeout", 2*time.Second, "Time to wait for each echo")
	f.StringVar(&cfg.JSONOutput, "json", "", "Write a JSON report to this path, - for stdout")

	return cmd
}

// startBenchServer runs an echo server that accepts every login.
func startBenchServer() (string, func(), error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return "", nil, errors.New("C302").Wrap(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(server.DefaultConfig())
	srv.SetLogger(logger)
	srv.OnSocket(newEchoApp(nil, logger).Attach)

	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = httpServer.Serve(ln)
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = httpServer.Shutdown(ctx)
	}
	return "ws://" + ln.Addr().String() + "/socket", stop, nil
}

func runBench(ctx context.Context, cfg benchConfig) (benchReport, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		counters  benchCounters
		samplesMu sync.Mutex
		samples   []time.Duration
	)
	record := func(rtt time.Duration) {
		samplesMu.Lock()
		samples = append(samples, rtt)
		samplesMu.Unlock()
	}

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		g.Go(func() error {
			// Client failures are counted, not fatal to the run.
			_ = runBenchClient(ctx, cfg, clientID, &counters, record)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return buildBenchReport(cfg, elapsed, samples, &counters), nil
}

// benchConn routes echoes for one logical connection back to its sender.
type benchConn struct {
	id     string
	echoes chan string
}

func runBenchClient(ctx context.Context, cfg benchConfig, clientID int, counters *benchCounters, record func(time.Duration)) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.EventTimeout)
	conn, err := wsconn.Dial(dialCtx, cfg.URL, nil, wsconn.DefaultConfig())
	cancel()
	if err != nil {
		counters.dialFailures.Add(1)
		return err
	}

	var (
		mu    sync.Mutex
		conns = make(map[string]*benchConn)
	)
	connected := make(chan *benchConn, cfg.Connections)

	s := socket.New(conn, socket.RoleClient, func(s *socket.Socket) {
		s.OnConnect(func(body protocol.ConnectBody, _ int64, _ *socket.Socket) {
			bc := &benchConn{id: body.ConnID, echoes: make(chan string, 1)}
			mu.Lock()
			conns[body.ConnID] = bc
			mu.Unlock()
			connected <- bc
		})
		s.OnEvents(func(body protocol.EventsBody, _ int64, _ *socket.Socket) {
			mu.Lock()
			bc := conns[body.ConnID]
			mu.Unlock()
			if bc == nil || len(body.Values) == 0 {
				return
			}
			var token string
			if json.Unmarshal(body.Values[0], &token) == nil {
				select {
				case bc.echoes <- token:
				default:
				}
			}
		})
	})
	defer s.Close(transport.CloseNormal, "bench done")

	for i := 0; i < cfg.Connections; i++ {
		if _, err := s.Login(cfg.Token); err != nil {
			counters.handshakeFailures.Add(1)
			return err
		}
	}

	var g errgroup.Group
	for i := 0; i < cfg.Connections; i++ {
		select {
		case bc := <-connected:
			counters.handshakes.Add(1)
			g.Go(func() error {
				return benchLoop(ctx, cfg, s, bc, clientID, counters, record)
			})
		case <-time.After(cfg.EventTimeout):
			counters.handshakeFailures.Add(1)
		case <-ctx.Done():
		}
	}
	return g.Wait()
}

func benchLoop(ctx context.Context, cfg benchConfig, s *socket.Socket, bc *benchConn, clientID int, counters *benchCounters, record func(time.Duration)) error {
	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for ctx.Err() == nil {
		seq++
		token := makeBenchToken(clientID, bc.id, seq, cfg.PayloadBytes)

		body, err := protocol.NewEventsBody(bc.id, token)
		if err != nil {
			return err
		}

		start := time.Now()
		if _, err := s.Dispatch(body); err != nil {
			counters.sendFailures.Add(1)
			return err
		}
		counters.eventsSent.Add(1)
		counters.bytesSent.Add(uint64(len(token)))

		timer := time.NewTimer(cfg.EventTimeout)
	wait:
		for {
			select {
			case got := <-bc.echoes:
				if got != token {
					continue
				}
				timer.Stop()
				counters.eventsComplete.Add(1)
				record(time.Since(start))
				break wait
			case <-timer.C:
				counters.timeouts.Add(1)
				break wait
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}

		if sleep := period - time.Since(start); sleep > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sleep):
			}
		}
	}
	return nil
}

func makeBenchToken(clientID int, connID string, seq uint64, payloadBytes int) string {
	token := fmt.Sprintf("c%d-%s-%d", clientID, connID, seq)
	if pad := payloadBytes - len(token); pad > 0 {
		token += "-" + strings.Repeat("x", pad-1)
	}
	return token
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string          `json:"version"`
	Go         string          `json:"go"`
	Workload   benchWorkload   `json:"workload"`
	LatencyMS  benchLatency    `json:"latency_ms"`
	Throughput benchThroughput `json:"throughput"`
	Errors     benchErrors     `json:"errors"`
}

type benchWorkload struct {
	Clients        int     `json:"clients"`
	Connections    int     `json:"connections_per_client"`
	DurationMS     int64   `json:"duration_ms"`
	RPSPerConn     float64 `json:"rps_per_connection"`
	PayloadBytes   int     `json:"payload_bytes"`
	HandshakesDone uint64  `json:"handshakes"`
}

type benchLatency struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type benchThroughput struct {
	EventsSent     uint64  `json:"events_sent"`
	EventsComplete uint64  `json:"events_complete"`
	EventsPerSec   float64 `json:"events_per_sec"`
	BytesSent      uint64  `json:"bytes_sent"`
}

type benchErrors struct {
	Dial      uint64 `json:"dial"`
	Handshake uint64 `json:"handshake"`
	Timeouts  uint64 `json:"timeouts"`
	Send      uint64 `json:"send"`
	Total     uint64 `json:"total"`
}

func buildBenchReport(cfg benchConfig, elapsed time.Duration, sorted []time.Duration, c *benchCounters) benchReport {
	report := benchReport{
		Version: version,
		Go:      runtime.Version(),
		Workload: benchWorkload{
			Clients:        cfg.Clients,
			Connections:    cfg.Connections,
			DurationMS:     cfg.Duration.Milliseconds(),
			RPSPerConn:     cfg.RPS,
			PayloadBytes:   cfg.PayloadBytes,
			HandshakesDone: c.handshakes.Load(),
		},
		Throughput: benchThroughput{
			EventsSent:     c.eventsSent.Load(),
			EventsComplete: c.eventsComplete.Load(),
			BytesSent:      c.bytesSent.Load(),
		},
		Errors: benchErrors{
			Dial:      c.dialFailures.Load(),
			Handshake: c.handshakeFailures.Load(),
			Timeouts:  c.timeouts.Load(),
			Send:      c.sendFailures.Load(),
		},
	}
	report.Errors.Total = report.Errors.Dial + report.Errors.Handshake + report.Errors.Timeouts + report.Errors.Send

	if elapsed > 0 {
		report.Throughput.EventsPerSec = float64(report.Throughput.EventsComplete) / elapsed.Seconds()
	}
	if len(sorted) > 0 {
		report.LatencyMS = benchLatency{
			Min: ms(sorted[0]),
			P50: ms(percentile(sorted, 0.50)),
			P95: ms(percentile(sorted, 0.95)),
			P99: ms(percentile(sorted, 0.99)),
			Max: ms(sorted[len(sorted)-1]),
		}
	}
	return report
}

func writeBenchSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== connmux echo benchmark ===")
	fmt.Fprintf(w, "Clients: %d x %d connections\n", report.Workload.Clients, report.Workload.Connections)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target rate: %.2f events/s per connection\n", report.Workload.RPSPerConn)
	fmt.Fprintf(w, "Handshakes: %d\n", report.Workload.HandshakesDone)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Events: %d sent, %d echoed\n", report.Throughput.EventsSent, report.Throughput.EventsComplete)
	fmt.Fprintf(w, "Throughput: %.1f events/s\n", report.Throughput.EventsPerSec)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.Total)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
		return
	}
	fmt.Fprintln(w, "RTT (dispatch -> server echo -> events):")
	fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
	fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
	fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
	fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
	fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
}

func writeBenchJSON(path string, stdout io.Writer, report benchReport) error {
	out := stdout
	if path != "-" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
