// Package middleware provides observability options for connmux sockets.
//
// This package includes:
//   - Prometheus metrics for frames, handshakes and connections
//   - OpenTelemetry tracing of connect and disconnect handshakes
//
// Both are socket.Option values, so they apply to a single socket or, via
// server.Use, to every socket a server accepts.
//
// # Prometheus Metrics
//
//	srv.Use(middleware.Prometheus(
//	    middleware.WithNamespace("chat"),
//	))
//
// Metrics are created once per process. Expose them with promhttp, or set
// EnableMetrics on the server config to mount /metrics on its router.
//
// # OpenTelemetry
//
//	srv.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("chat"),
//	    middleware.WithAttributeExtractor(func(s *socket.Socket) []attribute.KeyValue {
//	        return []attribute.KeyValue{attribute.String("tenant", tenantOf(s))}
//	    }),
//	))
//
// The tracer comes from the global provider unless WithTracerProvider is
// given. Configure it in main() before starting the server.
package middleware
