package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpwire/mcpwire/stream"
)

// Config holds the options recognized by all transport drivers. Values are
// merged in three layers: package defaults, driver defaults, then caller
// overrides. A zero value in a higher layer falls through to the layer
// below. The merged result is validated by Initialize and immutable
// afterwards.
type Config struct {
	// Timeout bounds a single send or receive operation.
	Timeout time.Duration

	// RetryAttempts is the send/write retry budget. Negative is invalid.
	RetryAttempts int

	// RetryDelay is the base backoff delay; the n-th retry waits n times
	// this value.
	RetryDelay time.Duration

	// ReadBufferSize bounds the stream read-line accumulation buffer.
	ReadBufferSize int

	// MaxMessageSize caps a single framed message.
	MaxMessageSize int

	// Framing selects newline or Content-Length framing for stream drivers.
	Framing stream.Framing

	// PollInterval is the idle sleep of the stdio listen loop.
	PollInterval time.Duration

	// Host and Port locate socket drivers (http, websocket).
	Host string
	Port int

	// Prefix is the HTTP route prefix ("mcp" serves POST /mcp/ etc.).
	Prefix string

	// AuthToken participates in the pool connection key so transports with
	// different credentials never share a pooled connection.
	AuthToken string

	// SSLCertFile and SSLKeyFile enable TLS for the HTTP driver when both
	// are set; the health check verifies the files exist.
	SSLCertFile string
	SSLKeyFile  string

	// CORS configures cross-origin headers for the HTTP driver.
	CORS *CORSConfig

	// Logger receives transport diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the package-level defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     100 * time.Millisecond,
		ReadBufferSize: stream.DefaultMaxBufferSize,
		MaxMessageSize: stream.DefaultMaxMessageSize,
		PollInterval:   10 * time.Millisecond,
		Host:           "127.0.0.1",
		Prefix:         "mcp",
	}
}

// merged fills zero-valued fields of c from defaults.
func (c Config) merged(defaults Config) Config {
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.Framing == 0 {
		c.Framing = defaults.Framing
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Prefix == "" {
		c.Prefix = defaults.Prefix
	}
	if c.AuthToken == "" {
		c.AuthToken = defaults.AuthToken
	}
	if c.SSLCertFile == "" {
		c.SSLCertFile = defaults.SSLCertFile
	}
	if c.SSLKeyFile == "" {
		c.SSLKeyFile = defaults.SSLKeyFile
	}
	if c.CORS == nil {
		c.CORS = defaults.CORS
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
	return c
}

// Validate enforces the configuration invariants.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrConfiguration, c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry attempts must be non-negative, got %d", ErrConfiguration, c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must be non-negative, got %v", ErrConfiguration, c.RetryDelay)
	}
	if (c.SSLCertFile == "") != (c.SSLKeyFile == "") {
		return fmt.Errorf("%w: ssl requires both certificate and key files", ErrConfiguration)
	}
	return nil
}

// logger returns the configured logger or the process default.
func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
