// Package mcpwire wires the MCP protocol engine together: transports that
// move framed JSON-RPC messages, the processor state machine that dispatches
// them, and the notification layer that pushes server-originated events to
// subscribed clients.
//
// Basic usage:
//
//	engine := mcpwire.New(
//	    mcpwire.Info{Name: "my-server", Version: "1.0.0"},
//	    mcpwire.Registries{Tools: myToolRegistry},
//	)
//
//	// Serve over stdio (blocks until the context is canceled):
//	err := engine.ServeStdio(ctx, transport.Config{})
//
//	// Or over HTTP with an SSE notification stream:
//	err := engine.ServeHTTP(ctx, transport.Config{Port: 8080})
package mcpwire

import (
	"context"
	"log/slog"

	"github.com/mcpwire/mcpwire/middleware"
	"github.com/mcpwire/mcpwire/notify"
	"github.com/mcpwire/mcpwire/processor"
	"github.com/mcpwire/mcpwire/protocol"
	"github.com/mcpwire/mcpwire/transport"
)

// Re-export core types for convenience

// Info identifies the server in the initialize handshake.
type Info = processor.Info

// Capabilities is an MCP capability set.
type Capabilities = processor.Capabilities

// Registries bundles the tool/resource/prompt collaborators.
type Registries = processor.Registries

// Registry is the collaborator interface the processor routes capability
// methods to.
type Registry = processor.Registry

// Entry describes one capability exposed by a registry.
type Entry = processor.Entry

// Message is a JSON-RPC 2.0 envelope.
type Message = protocol.Message

// Middleware types
type Middleware = middleware.Middleware
type Logger = middleware.Logger
type LogField = middleware.Field

// TransportManager is the factory surface the engine exposes; both
// transport.Manager and transport.PooledManager satisfy it.
type TransportManager interface {
	Extend(name string, factory transport.Factory)
	Driver(name string) (transport.Transport, error)
	CreateTransport(name string, cfg transport.Config) (transport.Transport, error)
	Purge(name string) error
	PurgeAll() error
}

// Engine owns one processor, one notification handler, and a transport
// manager. Transports created through the engine are bound to its processor.
type Engine struct {
	processor *processor.Processor
	notifier  *notify.Handler
	manager   TransportManager
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger         *slog.Logger
	mw             []middleware.Middleware
	procOpts       []processor.Option
	notifyOpts     []notify.Option
	pooled         bool
	poolCfg        transport.PoolConfig
	extraTransport map[string]transport.Factory
}

// WithLogger sets the logger shared by the engine's components.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithMiddleware installs interceptors around request dispatch.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *engineConfig) { c.mw = append(c.mw, mw...) }
}

// WithProcessorOptions forwards options to the processor.
func WithProcessorOptions(opts ...processor.Option) Option {
	return func(c *engineConfig) { c.procOpts = append(c.procOpts, opts...) }
}

// WithNotifyOptions forwards options to the notification handler.
func WithNotifyOptions(opts ...notify.Option) Option {
	return func(c *engineConfig) { c.notifyOpts = append(c.notifyOpts, opts...) }
}

// WithConnectionPool makes the engine's transport manager pool connections
// per connection key.
func WithConnectionPool(cfg transport.PoolConfig) Option {
	return func(c *engineConfig) {
		c.pooled = true
		c.poolCfg = cfg
	}
}

// WithTransportDriver registers an additional transport driver.
func WithTransportDriver(name string, factory transport.Factory) Option {
	return func(c *engineConfig) {
		if c.extraTransport == nil {
			c.extraTransport = make(map[string]transport.Factory)
		}
		c.extraTransport[name] = factory
	}
}

// New creates an engine serving the given registries.
func New(info Info, registries Registries, opts ...Option) *Engine {
	cfg := &engineConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	procOpts := append([]processor.Option{processor.WithLogger(cfg.logger)}, cfg.procOpts...)
	proc := processor.New(info, registries, procOpts...)
	if len(cfg.mw) > 0 {
		proc.Use(cfg.mw...)
	}

	notifyOpts := append([]notify.Option{notify.WithHandlerLogger(cfg.logger)}, cfg.notifyOpts...)
	notifier := notify.NewHandler(notifyOpts...)

	var manager TransportManager
	if cfg.pooled {
		manager = transport.NewPooledManager(cfg.logger, cfg.poolCfg)
	} else {
		manager = transport.NewManager(cfg.logger)
	}
	for name, factory := range cfg.extraTransport {
		manager.Extend(name, factory)
	}

	return &Engine{
		processor: proc,
		notifier:  notifier,
		manager:   manager,
		logger:    cfg.logger,
	}
}

// Processor returns the engine's protocol state machine.
func (e *Engine) Processor() *processor.Processor { return e.processor }

// Notifier returns the engine's notification handler.
func (e *Engine) Notifier() *notify.Handler { return e.notifier }

// Manager returns the engine's transport manager.
func (e *Engine) Manager() TransportManager { return e.manager }

// CreateTransport builds a transport through the manager and binds it to the
// engine's processor.
func (e *Engine) CreateTransport(name string, cfg transport.Config) (transport.Transport, error) {
	t, err := e.manager.CreateTransport(name, cfg)
	if err != nil {
		return nil, err
	}
	t.Bind(e.processor)
	return t, nil
}

// Broadcast publishes a notification to every matching subscriber and
// returns the generated notification id.
func (e *Engine) Broadcast(typ string, payload any) (string, error) {
	return e.notifier.Broadcast(typ, payload)
}

// ServeStdio runs the engine over stdin/stdout. It blocks until the context
// is canceled or a termination signal arrives.
func (e *Engine) ServeStdio(ctx context.Context, cfg transport.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	t := transport.NewStdio()
	if err := t.Initialize(cfg); err != nil {
		return err
	}
	t.Bind(e.processor)
	if err := t.Start(ctx); err != nil {
		return err
	}
	return t.Listen(ctx)
}

// ServeHTTP runs the engine over HTTP with the SSE notification stream
// mounted at GET /{prefix}/events. It blocks until the context is canceled,
// then shuts the transport down.
func (e *Engine) ServeHTTP(ctx context.Context, cfg transport.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	t := transport.NewHTTP(
		transport.WithEventsHandler(e.notifier.SSEHandler()),
		transport.WithBroadcaster(notify.EventBroadcaster{H: e.notifier}),
	)
	if err := t.Initialize(cfg); err != nil {
		return err
	}
	t.Bind(e.processor)
	if err := t.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return t.Stop()
}

// ServeWebSocket runs the engine over WebSocket. It blocks until the context
// is canceled, then shuts the transport down.
func (e *Engine) ServeWebSocket(ctx context.Context, cfg transport.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	t := transport.NewWebSocket()
	if err := t.Initialize(cfg); err != nil {
		return err
	}
	t.Bind(e.processor)
	if err := t.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return t.Stop()
}

// Middleware re-exports

// Chain composes multiple middleware into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return middleware.Chain(middlewares...)
}

// Recover returns middleware that catches panics and converts them to internal errors.
func Recover() Middleware {
	return middleware.Recover()
}

// RequestID returns middleware that injects a unique request ID into the context.
func RequestID() Middleware {
	return middleware.RequestID()
}

// Logging returns middleware that logs request details.
func Logging(logger Logger) Middleware {
	return middleware.Logging(logger)
}

// DefaultMiddleware returns the recommended production middleware stack.
func DefaultMiddleware(logger Logger) []Middleware {
	return middleware.DefaultStack(logger)
}

// LogF creates a new log field with the given key and value.
func LogF(key string, value any) LogField {
	return middleware.F(key, value)
}
