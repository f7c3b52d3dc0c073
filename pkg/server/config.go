package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

// Config holds configuration for the HTTP/WebSocket server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// Path is the WebSocket endpoint path.
	// Default: "/socket".
	Path string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Transport configures each accepted WebSocket connection.
	// Default: wsconn.DefaultConfig().
	Transport *wsconn.Config

	// Limits

	// MaxSockets is the maximum number of concurrent sockets.
	// 0 means no limit.
	MaxSockets int

	// TrustedProxies lists proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are honored when resolving the client IP.
	TrustedProxies []string

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading the upgrade request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// EnableMetrics mounts the Prometheus handler on /metrics.
	EnableMetrics bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		Path:              "/socket",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		Transport:         wsconn.DefaultConfig(),
		ShutdownTimeout:   30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the
// host. Requests without an Origin header (non-browser clients) pass.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}

	return originURL.Host == host
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Transport != nil {
		clone.Transport = c.Transport.Clone()
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithPath sets the WebSocket endpoint path and returns the config for chaining.
func (c *Config) WithPath(path string) *Config {
	c.Path = path
	return c
}

// WithMaxSockets sets the socket limit and returns the config for chaining.
func (c *Config) WithMaxSockets(max int) *Config {
	c.MaxSockets = max
	return c
}

// WithTransport sets the transport configuration and returns the config for chaining.
func (c *Config) WithTransport(tc *wsconn.Config) *Config {
	c.Transport = tc
	return c
}

// WithMetrics enables or disables /metrics and returns the config for chaining.
func (c *Config) WithMetrics(enabled bool) *Config {
	c.EnableMetrics = enabled
	return c
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Address == "" {
		return &ConfigError{Field: "Address", Reason: "must not be empty"}
	}
	if !strings.HasPrefix(c.Path, "/") {
		return &ConfigError{Field: "Path", Reason: fmt.Sprintf("%q must start with /", c.Path)}
	}
	if c.Path == "/healthz" || (c.EnableMetrics && c.Path == "/metrics") {
		return &ConfigError{Field: "Path", Reason: fmt.Sprintf("%q is reserved", c.Path)}
	}
	if c.MaxSockets < 0 {
		return &ConfigError{Field: "MaxSockets", Reason: "must not be negative"}
	}
	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return &ConfigError{Field: "BufferSize", Reason: "must not be negative"}
	}
	if t := c.Transport; t != nil && t.PingInterval > 0 && t.ReadTimeout > 0 && t.PingInterval >= t.ReadTimeout {
		return &ConfigError{Field: "Transport.PingInterval", Reason: "must be shorter than Transport.ReadTimeout"}
	}
	return nil
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	out := c.Clone()
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.Path == "" {
		out.Path = defaults.Path
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = defaults.CheckOrigin
	}
	if out.Transport == nil {
		out.Transport = defaults.Transport
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.ReadHeaderTimeout == 0 {
		out.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	return out
}
