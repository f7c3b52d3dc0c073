package wsconn

import (
	"log/slog"
	"time"
)

// Config holds WebSocket transport settings.
type Config struct {
	// WriteTimeout bounds each message write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout is the maximum silence before the connection is
	// considered dead. Pongs extend it.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// PingInterval is how often a ping control frame is sent. Zero
	// disables pings. Must be shorter than ReadTimeout.
	// Default: 30 seconds.
	PingInterval time.Duration

	// MaxMessageSize is the maximum inbound message size in bytes.
	// Default: 1MB.
	MaxMessageSize int64

	// CloseGrace is how long Close waits for the peer's close echo before
	// dropping the connection.
	// Default: 2 seconds.
	CloseGrace time.Duration

	// Logger is the transport logger.
	// Default: slog.Default() with component=wsconn.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1 << 20,
		CloseGrace:     2 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := c.Clone()
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = def.ReadTimeout
	}
	if out.PingInterval < 0 {
		out.PingInterval = 0
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = def.CloseGrace
	}
	return out
}
