package middleware

import (
	"context"
	"sync"

	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/socket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for connmux sockets.
const defaultTracerName = "connmux"

// Span names.
const (
	SpanConnect    = "connmux.connect"
	SpanDisconnect = "connmux.disconnect"
)

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "connmux").
	TracerName string

	// TracerProvider supplies the tracer.
	// Default: the global provider from otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// Filter determines which sockets to trace.
	// If nil, all sockets are traced.
	Filter func(s *socket.Socket) bool

	// AttributeExtractor adds custom attributes to every span of a socket.
	AttributeExtractor func(s *socket.Socket) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithSocketFilter sets a filter function for sockets.
func WithSocketFilter(filter func(s *socket.Socket) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(s *socket.Socket) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
	}
}

// OpenTelemetry returns a socket option that traces handshakes.
//
// A connmux.connect span runs from an outbound connect until the connect
// or connect_fail event for that connId; a connmux.disconnect span runs
// from an outbound disconnect until the teardown completes. Spans still
// open when the transport closes end with an error status.
//
// Example:
//
//	srv.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("chat"),
//	))
func OpenTelemetry(opts ...OTelOption) socket.Option {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	var tracer trace.Tracer
	if config.TracerProvider != nil {
		tracer = config.TracerProvider.Tracer(config.TracerName)
	} else {
		tracer = otel.Tracer(config.TracerName)
	}

	return func(s *socket.Socket) {
		if config.Filter != nil && !config.Filter(s) {
			return
		}

		t := &handshakeTracer{
			tracer:      tracer,
			config:      &config,
			connects:    make(map[string]trace.Span),
			disconnects: make(map[string]trace.Span),
			acking:      make(map[string]bool),
		}

		socket.WithObserver(t)(s)

		s.OnConnect(func(body protocol.ConnectBody, seq int64, _ *socket.Socket) {
			t.end(t.connects, body.ConnID, seq, codes.Ok, "")
		})
		s.OnConnectFail(func(body protocol.DisconnectBody, seq int64, _ *socket.Socket) {
			t.end(t.connects, body.ConnID, seq, codes.Error, body.Reason)
			t.end(t.disconnects, body.ConnID, seq, codes.Ok, "")
		})
		s.OnDisconnect(func(body protocol.DisconnectBody, seq int64, _ *socket.Socket) {
			if seq == 0 {
				t.end(t.connects, body.ConnID, 0, codes.Error, "transport closed")
			}
			t.end(t.disconnects, body.ConnID, seq, codes.Ok, "")
		})
		s.OnClose(func(_ int, reason string, _ *socket.Socket) {
			t.endAll("transport closed: " + reason)
		})
	}
}

// handshakeTracer holds the open spans of one socket, keyed by connId.
type handshakeTracer struct {
	tracer trace.Tracer
	config *OTelConfig

	mu          sync.Mutex
	connects    map[string]trace.Span
	disconnects map[string]trace.Span
	// acking marks connIds whose inbound connect will be answered by an
	// outbound ack, which is not a new handshake.
	acking map[string]bool
}

// ObserveFrame implements socket.FrameObserver.
func (t *handshakeTracer) ObserveFrame(s *socket.Socket, dir socket.Direction, f protocol.Frame, _ int) {
	connID := f.ConnID()

	t.mu.Lock()
	defer t.mu.Unlock()

	if dir == socket.Inbound {
		if f.Kind() == protocol.KindConnect && s.IsClient() {
			t.acking[connID] = true
		}
		return
	}

	switch body := f.Body.(type) {
	case protocol.ConnectBody:
		if t.acking[connID] {
			delete(t.acking, connID)
			return
		}
		if _, ok := t.connects[connID]; !ok {
			t.connects[connID] = t.start(s, SpanConnect, connID, f.Seq)
		}
	case protocol.DisconnectBody:
		// Echoes and refusals answer a peer frame.
		if body.Reason == socket.ReasonEcho || body.Reason == socket.ReasonClientInitiated {
			return
		}
		if _, ok := t.disconnects[connID]; !ok {
			t.disconnects[connID] = t.start(s, SpanDisconnect, connID, f.Seq)
		}
	}
}

func (t *handshakeTracer) start(s *socket.Socket, name, connID string, seq int64) trace.Span {
	attrs := []attribute.KeyValue{
		attribute.String("connmux.socket_id", s.ID()),
		attribute.String("connmux.conn_id", connID),
		attribute.String("connmux.role", s.Role().String()),
		attribute.Int64("connmux.seq", seq),
	}
	if t.config.AttributeExtractor != nil {
		attrs = append(attrs, t.config.AttributeExtractor(s)...)
	}

	_, span := t.tracer.Start(
		context.Background(),
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return span
}

func (t *handshakeTracer) end(spans map[string]trace.Span, connID string, seq int64, code codes.Code, desc string) {
	t.mu.Lock()
	span, ok := spans[connID]
	delete(spans, connID)
	t.mu.Unlock()
	if !ok {
		return
	}

	if seq != 0 {
		span.SetAttributes(attribute.Int64("connmux.reply_seq", seq))
	}
	span.SetStatus(code, desc)
	span.End()
}

func (t *handshakeTracer) endAll(desc string) {
	t.mu.Lock()
	var open []trace.Span
	for _, spans := range []map[string]trace.Span{t.connects, t.disconnects} {
		for id, span := range spans {
			open = append(open, span)
			delete(spans, id)
		}
	}
	t.acking = make(map[string]bool)
	t.mu.Unlock()

	for _, span := range open {
		span.SetStatus(codes.Error, desc)
		span.End()
	}
}
