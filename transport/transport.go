package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpwire/mcpwire/protocol"
)

var (
	// ErrClosed is returned by Send when the transport is not connected.
	ErrClosed = errors.New("transport: closed")

	// ErrConfiguration is returned by Initialize for invalid configuration.
	ErrConfiguration = errors.New("transport: invalid configuration")

	// ErrNotInitialized is returned by Start before Initialize succeeds.
	ErrNotInitialized = errors.New("transport: not initialized")
)

// Error carries transport failure context: the driver name, the failing
// operation, and when it happened. It corresponds to errors re-raised to the
// transport's caller after the bound handler has been informed.
type Error struct {
	Transport string
	Op        string
	Time      time.Time
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MessageHandler processes messages arriving on a transport and observes the
// transport's lifecycle. The message processor implements this interface.
type MessageHandler interface {
	// HandleMessage processes one inbound message and returns the response
	// to write back, or nil when the message produces no response.
	HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

	// OnConnect is invoked after the transport starts.
	OnConnect(addr string)

	// OnDisconnect is invoked after the transport stops; sessions reset.
	OnDisconnect(addr string)

	// HandleError observes transport-level failures before they are
	// re-raised to the caller.
	HandleError(err error)
}

// Transport owns a connection's lifecycle and moves framed messages.
type Transport interface {
	// Initialize merges defaults and validates configuration. The
	// configuration is immutable afterwards.
	Initialize(cfg Config) error

	// Bind attaches the message handler. Must be called before Start.
	Bind(h MessageHandler)

	// Start makes the transport ready to move messages. Idempotent.
	Start(ctx context.Context) error

	// Stop tears the connection down. Idempotent; connection state is
	// cleared even when the driver-specific stop fails.
	Stop() error

	// Send writes one message. Fails with ErrClosed when not connected.
	Send(ctx context.Context, msg *protocol.Message) error

	// Receive returns the next available message, or (nil, nil) when no
	// data is currently available.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Connected reports whether the transport currently holds a live
	// connection.
	Connected() bool

	// Stats returns the transport's counters.
	Stats() *Stats

	// Addr returns the transport's address description.
	Addr() string
}

// HealthChecker is implemented by transports that support a driver-specific
// health probe, consulted by the connection pool.
type HealthChecker interface {
	Healthy() bool
}

// State is a snapshot of a transport's connection state.
type State struct {
	Connected   bool
	Running     bool
	ConnectedAt time.Time
}

// core holds the lifecycle state machine shared by all drivers.
type core struct {
	driver string

	mu          sync.Mutex
	cfg         Config
	initialized bool
	started     bool
	connectedAt time.Time

	handler MessageHandler
	logger  *slog.Logger
	stats   Stats
}

func newCore(driver string) core {
	return core{
		driver: driver,
		logger: slog.Default(),
	}
}

// Bind attaches the message handler. Must be called before Start.
func (c *core) Bind(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// init validates and freezes configuration.
func (c *core) init(cfg Config, driverDefaults Config) error {
	merged := cfg.merged(driverDefaults.merged(DefaultConfig()))
	if err := merged.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("%w: cannot reconfigure a started transport", ErrConfiguration)
	}
	c.cfg = merged
	c.logger = merged.logger()
	c.initialized = true
	return nil
}

// config returns the frozen configuration.
func (c *core) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// startWith runs the driver-specific start hook, flips state, and notifies
// the handler. Idempotent: a second call is a no-op.
func (c *core) startWith(addr string, do func() error) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if do != nil {
		if err := do(); err != nil {
			return c.fail("start", err)
		}
	}

	c.mu.Lock()
	c.started = true
	c.connectedAt = time.Now()
	handler := c.handler
	c.mu.Unlock()

	c.logger.Debug("transport started", "driver", c.driver, "addr", addr)
	if handler != nil {
		handler.OnConnect(addr)
	}
	return nil
}

// stopWith runs the driver-specific stop hook and unconditionally clears
// connection state, even when the hook fails. Idempotent.
func (c *core) stopWith(addr string, do func() error) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var stopErr error
	if do != nil {
		stopErr = do()
	}

	// Cleanup is never skipped.
	c.mu.Lock()
	c.started = false
	c.connectedAt = time.Time{}
	handler := c.handler
	c.mu.Unlock()

	c.logger.Debug("transport stopped", "driver", c.driver, "addr", addr)
	if handler != nil {
		handler.OnDisconnect(addr)
	}
	if stopErr != nil {
		return c.fail("stop", stopErr)
	}
	return nil
}

// Connected reports whether the transport is started.
func (c *core) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// State returns a snapshot of the connection state.
func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Connected:   c.started,
		Running:     c.started,
		ConnectedAt: c.connectedAt,
	}
}

// Stats returns the transport's counters.
func (c *core) Stats() *Stats {
	return &c.stats
}

// boundHandler returns the attached handler, which may be nil.
func (c *core) boundHandler() MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// fail records the error, forwards it to the bound handler, and re-raises
// it wrapped with transport context.
func (c *core) fail(op string, err error) error {
	c.stats.Errors.Add(1)
	werr := &Error{
		Transport: c.driver,
		Op:        op,
		Time:      time.Now(),
		Err:       err,
	}
	c.logger.Error("transport error", "driver", c.driver, "op", op, "err", err)
	if handler := c.boundHandler(); handler != nil {
		handler.HandleError(werr)
	}
	return werr
}

// SendWithRetry retries send with linear backoff (delay * attempt) up to the
// configured attempt budget, then surfaces the final failure.
func SendWithRetry(ctx context.Context, t Transport, msg *protocol.Message, attempts int, delay time.Duration) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(delay), uint64(attempts)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := t.Send(ctx, msg)
		if errors.Is(err, ErrClosed) {
			// No point retrying a closed transport.
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// linearBackOff waits delay * attempt between retries.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func newLinearBackOff(delay time.Duration) *linearBackOff {
	return &linearBackOff{delay: delay}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
