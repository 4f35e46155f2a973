package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EvictionPolicy selects which pooled connection is discarded when the pool
// is at capacity.
type EvictionPolicy int

const (
	// EvictLRU discards the entry with the oldest last access.
	EvictLRU EvictionPolicy = iota
	// EvictFIFO discards the oldest entry.
	EvictFIFO
	// EvictLIFO discards the newest entry.
	EvictLIFO
)

// ParseEvictionPolicy converts a policy name ("lru", "fifo", "lifo") to an
// EvictionPolicy. Unknown names fall back to LRU.
func ParseEvictionPolicy(name string) EvictionPolicy {
	switch name {
	case "fifo":
		return EvictFIFO
	case "lifo":
		return EvictLIFO
	default:
		return EvictLRU
	}
}

// String returns the policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictFIFO:
		return "fifo"
	case EvictLIFO:
		return "lifo"
	default:
		return "lru"
	}
}

// Removal reasons reported by the pool.
const (
	ReasonEvicted   = "evicted"
	ReasonExpired   = "expired"
	ReasonIdle      = "idle"
	ReasonUnhealthy = "unhealthy"
	ReasonRequested = "requested"
)

// PoolConfig configures a connection pool.
type PoolConfig struct {
	// MaxConnections bounds the pool size. Default: 10.
	MaxConnections int

	// MaxAge is how long a pooled connection may live before it expires.
	// Default: 5 minutes.
	MaxAge time.Duration

	// IdleTimeout is how long a pooled connection may sit unused.
	// Default: 1 minute.
	IdleTimeout time.Duration

	// HealthCheckInterval is the minimum time between lazy health sweeps.
	// Default: 30 seconds.
	HealthCheckInterval time.Duration

	// Eviction selects the capacity eviction policy. Default: LRU.
	Eviction EvictionPolicy

	// Logger receives pool diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// pooledConnection is one pool entry with its bookkeeping.
type pooledConnection struct {
	transport    Transport
	created      time.Time
	lastAccessed time.Time
	expires      time.Time
	accessCount  int64
}

// HealthReport summarizes one health sweep over the pool.
type HealthReport struct {
	Checked int
	Removed map[string]string // key -> reason
}

// Pool caches transports per connection key and evicts them by policy, age,
// idleness, or health. All methods are safe for concurrent use; the
// evict-then-insert step in Add runs as one critical section so the capacity
// bound holds under concurrent callers.
type Pool struct {
	mu              sync.Mutex
	cfg             PoolConfig
	entries         map[string]*pooledConnection
	lastHealthCheck time.Time
	now             func() time.Time // test hook
}

// NewPool creates a connection pool.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*pooledConnection),
		now:     time.Now,
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Keys returns the pooled connection keys, sorted.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the pooled transport for key, or nil when there is none or the
// entry failed validation (expired, idle too long, or no longer connected).
// Invalid entries are removed so the caller creates a fresh connection. A
// health sweep runs lazily when the configured interval has elapsed.
func (p *Pool) Get(key string) Transport {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeSweepLocked()

	entry, ok := p.entries[key]
	if !ok {
		return nil
	}

	now := p.now()
	if reason := p.validateLocked(entry, now); reason != "" {
		p.removeLocked(key, reason)
		return nil
	}

	entry.lastAccessed = now
	entry.accessCount++
	return entry.transport
}

// Add inserts a transport under key. At capacity, one entry is first evicted
// per the configured policy.
func (p *Pool) Add(key string, t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; !exists && len(p.entries) >= p.cfg.MaxConnections {
		if victim := p.selectVictimLocked(); victim != "" {
			p.removeLocked(victim, ReasonEvicted)
		}
	}

	now := p.now()
	p.entries[key] = &pooledConnection{
		transport:    t,
		created:      now,
		lastAccessed: now,
		expires:      now.Add(p.cfg.MaxAge),
	}
}

// Release marks the keyed connection as recently used, extending its idle
// window. Releasing an unknown key is a no-op.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok {
		entry.lastAccessed = p.now()
	}
}

// Remove drops the keyed connection and stops its transport.
func (p *Pool) Remove(key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key, reason)
}

// Clear removes every pooled connection.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.entries {
		p.removeLocked(key, ReasonRequested)
	}
}

// HealthCheck probes every pooled entry for connectivity, age, idleness, and
// the transport's own probe when it implements HealthChecker. Failing entries
// are removed with reason unhealthy (or the specific validation failure).
func (p *Pool) HealthCheck() HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweepLocked()
}

// maybeSweepLocked runs a health sweep when the interval has elapsed. The
// lazy trigger avoids a dedicated timer goroutine while bounding staleness.
func (p *Pool) maybeSweepLocked() {
	if p.now().Sub(p.lastHealthCheck) < p.cfg.HealthCheckInterval {
		return
	}
	p.sweepLocked()
}

func (p *Pool) sweepLocked() HealthReport {
	now := p.now()
	p.lastHealthCheck = now

	report := HealthReport{
		Checked: len(p.entries),
		Removed: make(map[string]string),
	}
	for key, entry := range p.entries {
		reason := p.validateLocked(entry, now)
		if reason == "" {
			if hc, ok := entry.transport.(HealthChecker); ok && !hc.Healthy() {
				reason = ReasonUnhealthy
			}
		}
		if reason != "" {
			report.Removed[key] = reason
		}
	}
	for key, reason := range report.Removed {
		p.removeLocked(key, reason)
	}
	return report
}

// validateLocked returns the removal reason for an invalid entry, or "".
func (p *Pool) validateLocked(entry *pooledConnection, now time.Time) string {
	switch {
	case now.After(entry.expires):
		return ReasonExpired
	case now.Sub(entry.lastAccessed) > p.cfg.IdleTimeout:
		return ReasonIdle
	case !entry.transport.Connected():
		return ReasonUnhealthy
	default:
		return ""
	}
}

// selectVictimLocked picks the entry to evict per the configured policy.
// Timestamp ties break toward the lexicographically smallest key so eviction
// stays deterministic.
func (p *Pool) selectVictimLocked() string {
	var victim string
	var victimTime time.Time

	better := func(key string, ts time.Time) bool {
		if victim == "" {
			return true
		}
		switch p.cfg.Eviction {
		case EvictLIFO:
			if !ts.Equal(victimTime) {
				return ts.After(victimTime)
			}
		default: // LRU and FIFO both take the smallest timestamp
			if !ts.Equal(victimTime) {
				return ts.Before(victimTime)
			}
		}
		return key < victim
	}

	for key, entry := range p.entries {
		ts := entry.lastAccessed
		if p.cfg.Eviction == EvictFIFO || p.cfg.Eviction == EvictLIFO {
			ts = entry.created
		}
		if better(key, ts) {
			victim = key
			victimTime = ts
		}
	}
	return victim
}

// removeLocked drops the entry and stops its transport. Caller holds mu.
func (p *Pool) removeLocked(key, reason string) {
	entry, ok := p.entries[key]
	if !ok {
		return
	}
	delete(p.entries, key)
	p.cfg.Logger.Debug("pooled connection removed", "key", key, "reason", reason)
	if err := entry.transport.Stop(); err != nil {
		p.cfg.Logger.Warn("stopping pooled connection failed",
			"key", key, "err", fmt.Sprint(err))
	}
}
