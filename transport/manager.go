package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Factory constructs an uninitialized transport for a named driver.
type Factory func() Transport

// Manager is a named-driver transport factory. Extend registers a
// constructor, Driver lazily builds and memoizes one instance per name, and
// Purge stops and discards cached instances. Manager mutation runs on a
// single control path; the mutex only guards the maps themselves.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Transport
	logger    *slog.Logger
}

// NewManager creates a manager with the built-in drivers (stdio, http,
// websocket) pre-registered.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		factories: make(map[string]Factory),
		instances: make(map[string]Transport),
		logger:    logger,
	}
	m.Extend("stdio", func() Transport { return NewStdio() })
	m.Extend("http", func() Transport { return NewHTTP() })
	m.Extend("websocket", func() Transport { return NewWebSocket() })
	return m
}

// Extend registers a driver constructor under name, replacing any previous
// registration.
func (m *Manager) Extend(name string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
}

// Drivers returns the registered driver names.
func (m *Manager) Drivers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	return names
}

// Driver returns the memoized instance for name, constructing and
// initializing it with defaults on first use.
func (m *Manager) Driver(name string) (Transport, error) {
	m.mu.Lock()
	if t, ok := m.instances[name]; ok {
		m.mu.Unlock()
		return t, nil
	}
	factory, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown driver %q", name)
	}

	t := factory()
	if err := t.Initialize(Config{}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[name] = t
	m.mu.Unlock()
	return t, nil
}

// CreateTransport constructs and initializes a fresh, non-memoized instance
// of the named driver with the given configuration.
func (m *Manager) CreateTransport(name string, cfg Config) (Transport, error) {
	m.mu.Lock()
	factory, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown driver %q", name)
	}

	t := factory()
	if err := t.Initialize(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Purge stops and discards the cached instance for name. Unknown or uncached
// names are a no-op.
func (m *Manager) Purge(name string) error {
	m.mu.Lock()
	t, ok := m.instances[name]
	delete(m.instances, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Debug("transport purged", "driver", name)
	return t.Stop()
}

// PurgeAll stops and discards every cached instance.
func (m *Manager) PurgeAll() error {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]Transport)
	m.mu.Unlock()

	var errs []error
	for name, t := range instances {
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ConnectionKey derives a deterministic pool key from the connection-relevant
// configuration fields. Defaults are merged in first, so a zero-value config
// and one spelling out the defaults hash to the same key; transports that
// differ in host, port, credentials, or timeout never share a pooled
// connection.
func ConnectionKey(driver string, cfg Config) string {
	cfg = cfg.merged(DefaultConfig())
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		driver, cfg.Host, cfg.Port, cfg.AuthToken, cfg.Timeout)))
	return driver + ":" + hex.EncodeToString(sum[:16])
}

// PooledManager layers connection pooling over a Manager: CreateTransport
// first consults a per-driver pool and only constructs a new instance on a
// miss, adding it to the pool for reuse.
type PooledManager struct {
	*Manager

	mu      sync.Mutex
	poolCfg PoolConfig
	pools   map[string]*Pool
}

// NewPooledManager creates a pooled manager sharing poolCfg across all
// per-driver pools.
func NewPooledManager(logger *slog.Logger, poolCfg PoolConfig) *PooledManager {
	return &PooledManager{
		Manager: NewManager(logger),
		poolCfg: poolCfg,
		pools:   make(map[string]*Pool),
	}
}

// PoolFor returns the pool serving the named driver, creating it on demand.
func (m *PooledManager) PoolFor(driver string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[driver]
	if !ok {
		pool = NewPool(m.poolCfg)
		m.pools[driver] = pool
	}
	return pool
}

// CreateTransport returns a pooled instance for the configuration's
// connection key when one is available, otherwise constructs a new instance
// and pools it.
func (m *PooledManager) CreateTransport(name string, cfg Config) (Transport, error) {
	pool := m.PoolFor(name)
	key := ConnectionKey(name, cfg)

	if t := pool.Get(key); t != nil {
		m.logger.Debug("transport reused from pool", "driver", name, "key", key)
		return t, nil
	}

	t, err := m.Manager.CreateTransport(name, cfg)
	if err != nil {
		return nil, err
	}
	pool.Add(key, t)
	return t, nil
}

// Release returns a transport to its pool, refreshing its idle window.
func (m *PooledManager) Release(name string, cfg Config) {
	m.PoolFor(name).Release(ConnectionKey(name, cfg))
}

// PurgeAll clears every pool, then stops the manager's cached instances.
func (m *PooledManager) PurgeAll() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, pool := range pools {
		pool.Clear()
	}
	return m.Manager.PurgeAll()
}
