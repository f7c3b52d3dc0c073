package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pelletier/go-toml"

	"github.com/vango-dev/connmux/internal/errors"
)

const (
	// BaseName is the configuration file name without extension.
	BaseName = "connmux"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultPath is the default WebSocket endpoint path.
	DefaultPath = "/socket"

	// DefaultArchivePrefix is the default S3 key prefix.
	DefaultArchivePrefix = "connmux"
)

// Extensions lists the supported file extensions in lookup order.
var Extensions = []string{".json", ".yaml", ".yml", ".toml"}

// Config represents a connmux configuration file.
type Config struct {
	// Server contains listener and socket limit settings.
	Server ServerConfig `json:"server,omitempty"`

	// Transport contains per-connection WebSocket settings.
	Transport TransportConfig `json:"transport,omitempty"`

	// Auth contains the credentials accepted by the serve command.
	Auth AuthConfig `json:"auth,omitempty"`

	// Archive configures the S3 events recorder. Disabled without a bucket.
	Archive ArchiveConfig `json:"archive,omitempty"`

	// Log contains logging settings.
	Log LogConfig `json:"log,omitempty"`

	configPath string
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string   `json:"address,omitempty"`
	Path            string   `json:"path,omitempty"`
	MaxSockets      int      `json:"maxSockets,omitempty"`
	TrustedProxies  []string `json:"trustedProxies,omitempty"`
	ShutdownTimeout string   `json:"shutdownTimeout,omitempty"`
	Metrics         bool     `json:"metrics,omitempty"`
	Tracing         bool     `json:"tracing,omitempty"`
}

// TransportConfig contains WebSocket connection settings. Durations use
// time.ParseDuration syntax (e.g. "30s").
type TransportConfig struct {
	WriteTimeout   string `json:"writeTimeout,omitempty"`
	ReadTimeout    string `json:"readTimeout,omitempty"`
	PingInterval   string `json:"pingInterval,omitempty"`
	MaxMessageSize int64  `json:"maxMessageSize,omitempty"`
}

// AuthConfig lists accepted login tokens.
type AuthConfig struct {
	Tokens []string `json:"tokens,omitempty"`
}

// ArchiveConfig configures S3 uploads of recorded events.
type ArchiveConfig struct {
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Find returns the first connmux.{json,yaml,yml,toml} in dir.
func Find(dir string) (string, error) {
	for _, ext := range Extensions {
		path := filepath.Join(dir, BaseName+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("C101").
		WithDetail("no connmux config in " + dir).
		WithSuggestion("Pass --config or create connmux.yaml")
}

// Load finds and reads the configuration file in dir.
func Load(dir string) (*Config, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the configuration file at path. The format is chosen by
// extension; YAML and TOML are converted to JSON and decoded with the JSON
// field names.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("C101").WithFile(path).Wrap(err)
		}
		return nil, errors.New("C102").WithFile(path).Wrap(err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, errors.FromError(err, "C102").WithFile(path)
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes data in the format named by ext and applies defaults.
func Parse(data []byte, ext string) (*Config, error) {
	jsonData, err := toJSON(data, strings.ToLower(ext))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.New("C102").Wrap(err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func toJSON(data []byte, ext string) ([]byte, error) {
	switch ext {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
		out, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, errors.New("C102").Wrap(err)
		}
		return out, nil
	case ".toml":
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return nil, errors.New("C102").Wrap(err)
		}
		out, err := json.Marshal(tree.ToMap())
		if err != nil {
			return nil, errors.New("C102").Wrap(err)
		}
		return out, nil
	default:
		return nil, errors.New("C104").WithDetail(fmt.Sprintf("extension %q", ext))
	}
}

// Path returns the path the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Transport.WriteTimeout == "" {
		c.Transport.WriteTimeout = "10s"
	}
	if c.Transport.ReadTimeout == "" {
		c.Transport.ReadTimeout = "60s"
	}
	if c.Transport.PingInterval == "" {
		c.Transport.PingInterval = "30s"
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = 1 << 20
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration and reports the first bad value.
func (c *Config) Validate() error {
	invalid := func(detail string) error {
		return errors.New("C103").WithDetail(detail).WithFile(c.configPath)
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return invalid("server.path must start with /")
	}
	if c.Server.MaxSockets < 0 {
		return invalid("server.maxSockets must not be negative")
	}
	if c.Transport.MaxMessageSize < 0 {
		return invalid("transport.maxMessageSize must not be negative")
	}

	durations := []struct {
		name, value string
	}{
		{"server.shutdownTimeout", c.Server.ShutdownTimeout},
		{"transport.writeTimeout", c.Transport.WriteTimeout},
		{"transport.readTimeout", c.Transport.ReadTimeout},
		{"transport.pingInterval", c.Transport.PingInterval},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			return invalid(fmt.Sprintf("%s: %q is not a valid duration", d.name, d.value))
		}
	}
	if c.PingInterval() > 0 && c.ReadTimeout() > 0 && c.PingInterval() >= c.ReadTimeout() {
		return invalid("transport.pingInterval must be shorter than transport.readTimeout")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid(fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}
	return nil
}

// ShutdownTimeout returns the parsed server.shutdownTimeout.
func (c *Config) ShutdownTimeout() time.Duration { return mustDuration(c.Server.ShutdownTimeout) }

// WriteTimeout returns the parsed transport.writeTimeout.
func (c *Config) WriteTimeout() time.Duration { return mustDuration(c.Transport.WriteTimeout) }

// ReadTimeout returns the parsed transport.readTimeout.
func (c *Config) ReadTimeout() time.Duration { return mustDuration(c.Transport.ReadTimeout) }

// PingInterval returns the parsed transport.pingInterval.
func (c *Config) PingInterval() time.Duration { return mustDuration(c.Transport.PingInterval) }

// ArchiveEnabled reports whether an archive bucket is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// mustDuration parses s, returning 0 for values Validate rejects.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
