// Package breaker implements a per-downstream-server circuit breaker
// registry with closed/open/half-open states and a half-open probe guard.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is one circuit breaker's current mode.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config tunes one breaker.
type Config struct {
	Threshold int           // consecutive failures before tripping open
	Cooldown  time.Duration // time in open before a half-open probe is allowed
}

// DefaultConfig is applied to any downstream server without an explicit
// per-server Config.
var DefaultConfig = Config{Threshold: 5, Cooldown: 30 * time.Second}

// MetricsSink observes circuit state transitions. Implemented by a small
// adapter over the process's real metrics backend; nil disables recording.
type MetricsSink interface {
	RecordTransition(server string, from, to State)
}

type circuit struct {
	cfg     Config
	name    string
	metrics MetricsSink

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probing          atomic.Bool
}

func (c *circuit) transitionTo(next State) {
	prev := c.state
	c.state = next
	if c.metrics != nil && prev != next {
		c.metrics.RecordTransition(c.name, prev, next)
	}
}

// Registry owns one circuit per downstream server name, created lazily on
// first use.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults Config
	metrics  MetricsSink
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithMetrics records every circuit's state transitions to sink.
func WithMetrics(sink MetricsSink) Option {
	return func(r *Registry) { r.metrics = sink }
}

// NewRegistry creates a Registry. defaults is applied to any server without
// a server-specific Config passed to Configure.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	if defaults.Threshold <= 0 {
		defaults = DefaultConfig
	}
	r := &Registry{circuits: make(map[string]*circuit), defaults: defaults}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets a server-specific threshold/cooldown, creating the
// circuit if it does not yet exist.
func (r *Registry) Configure(serverName string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[serverName] = &circuit{cfg: cfg, name: serverName, metrics: r.metrics, state: Closed}
}

func (r *Registry) circuitFor(serverName string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[serverName]
	if !ok {
		c = &circuit{cfg: r.defaults, name: serverName, metrics: r.metrics, state: Closed}
		r.circuits[serverName] = c
	}
	return c
}

// ErrOpen is returned by Execute when the circuit is open (or half-open
// with a probe already in flight) and admission fails fast.
type ErrOpen struct{ ServerName string }

func (e *ErrOpen) Error() string { return "circuit open: " + e.ServerName }

// Execute runs thunk if the breaker for serverName allows it, recording the
// outcome into the breaker's state machine. It fails fast with *ErrOpen
// without calling thunk when the circuit is open, or half-open with a
// probe already in flight.
func (r *Registry) Execute(serverName string, thunk func() error) error {
	c := r.circuitFor(serverName)

	if !c.admit() {
		return &ErrOpen{ServerName: serverName}
	}

	err := thunk()

	if err != nil {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}
	return err
}

// admit decides, under the stats-update lock, whether a call may proceed,
// transitioning open->half-open on cooldown expiry and guarding half-open
// against more than one concurrent probe.
func (c *circuit) admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return true
	case Open:
		if time.Since(c.openedAt) >= c.cfg.Cooldown {
			c.transitionTo(HalfOpen)
			c.probing.Store(true)
			return true
		}
		return false
	case HalfOpen:
		return c.probing.CompareAndSwap(false, true)
	}
	return false
}

func (c *circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case HalfOpen:
		c.transitionTo(Closed)
		c.consecutiveFails = 0
		c.probing.Store(false)
	case Closed:
		c.consecutiveFails = 0
	}
}

func (c *circuit) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case HalfOpen:
		c.transitionTo(Open)
		c.openedAt = time.Now()
		c.probing.Store(false)
	case Closed:
		c.consecutiveFails++
		if c.consecutiveFails >= c.cfg.Threshold {
			c.transitionTo(Open)
			c.openedAt = time.Now()
		}
	}
}

// StateOf reports the current state of serverName's circuit, for
// diagnostics and tests.
func (r *Registry) StateOf(serverName string) State {
	c := r.circuitFor(serverName)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
