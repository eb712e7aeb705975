package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSink observes per-call downstream latency. Implemented by a small
// adapter over the process's real metrics backend; nil disables recording.
type MetricsSink interface {
	RecordCallLatency(serverName string, ms float64)
}

// HealthState is a server's last observed reachability.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ErrServerExists is returned when registering a duplicate server name.
var ErrServerExists = errors.New("downstream: server already registered")

// ErrUnknownServer is returned when routing to a server name that was
// never registered.
var ErrUnknownServer = errors.New("downstream: unknown server")

// Server wraps one configured DownstreamServer and its live transport.
type Server struct {
	Name      string
	Transport Transport

	mu     sync.Mutex
	health HealthState
}

func (s *Server) setHealth(h HealthState) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// Health reports the server's last observed reachability.
func (s *Server) Health() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Pool owns one live transport per configured DownstreamServer, tracks the
// pool-wide concurrency cap, and routes calls by fully-qualified tool name
// ("serverName.toolName").
type Pool struct {
	maxConcurrent int64

	mu      sync.RWMutex
	servers map[string]*Server

	activeConcurrent atomic.Int64
	metrics          MetricsSink
}

// NewPool creates a Pool capped at maxConcurrent in-flight downstream
// calls.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &Pool{maxConcurrent: int64(maxConcurrent), servers: make(map[string]*Server)}
}

// WithMetrics records every downstream call's latency to sink. Call before
// the pool serves any traffic; not safe to call concurrently with CallTool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// Register adds a configured server and connects its transport.
func (p *Pool) Register(ctx context.Context, name string, transport Transport) error {
	p.mu.Lock()
	if _, exists := p.servers[name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerExists, name)
	}
	srv := &Server{Name: name, Transport: transport, health: HealthUnknown}
	p.servers[name] = srv
	p.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		srv.setHealth(HealthUnhealthy)
		return fmt.Errorf("downstream: connect %s: %w", name, err)
	}
	srv.setHealth(HealthHealthy)
	return nil
}

// Unregister closes and removes a server.
func (p *Pool) Unregister(name string) error {
	p.mu.Lock()
	srv, ok := p.servers[name]
	delete(p.servers, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return srv.Transport.Close()
}

func (p *Pool) get(name string) (*Server, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	srv, ok := p.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return srv, nil
}

// Names returns registered server names, sorted for deterministic output.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.servers))
	for name := range p.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActiveConcurrent reports the number of in-flight downstream calls.
func (p *Pool) ActiveConcurrent() int64 {
	return p.activeConcurrent.Load()
}

// TryAdmit increments activeConcurrent if it would not exceed
// maxConcurrent, returning whether admission succeeded. Callers that admit
// must call Release exactly once, including on panic — callers are
// expected to `defer pool.Release()` immediately after a successful
// TryAdmit.
func (p *Pool) TryAdmit() bool {
	for {
		cur := p.activeConcurrent.Load()
		if cur >= p.maxConcurrent {
			return false
		}
		if p.activeConcurrent.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release decrements activeConcurrent. Must be called exactly once per
// successful TryAdmit, on every exit path.
func (p *Pool) Release() {
	p.activeConcurrent.Add(-1)
}

// ParseToolName splits a fully-qualified tool name "serverName.toolName"
// into its parts.
func ParseToolName(fullName string) (serverName, toolName string, err error) {
	idx := strings.Index(fullName, ".")
	if idx < 0 {
		return "", "", fmt.Errorf("downstream: malformed tool name %q, want server.tool", fullName)
	}
	return fullName[:idx], fullName[idx+1:], nil
}

// CallTool routes a fully-qualified tool name to its server's transport.
// It never silently swallows a transport-level error.
func (p *Pool) CallTool(ctx context.Context, fullName string, args json.RawMessage) (json.RawMessage, error) {
	serverName, toolName, err := ParseToolName(fullName)
	if err != nil {
		return nil, err
	}
	srv, err := p.get(serverName)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := srv.Transport.CallTool(ctx, toolName, args)
	if p.metrics != nil {
		p.metrics.RecordCallLatency(serverName, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		srv.setHealth(HealthUnhealthy)
		return nil, fmt.Errorf("downstream: call %s: %w", fullName, err)
	}
	srv.setHealth(HealthHealthy)
	return result, nil
}

// ListTools returns the tool descriptors for one registered server.
func (p *Pool) ListTools(ctx context.Context, serverName string) ([]ToolDescriptor, error) {
	srv, err := p.get(serverName)
	if err != nil {
		return nil, err
	}
	descs, err := srv.Transport.ListTools(ctx)
	if err != nil {
		srv.setHealth(HealthUnhealthy)
		return nil, fmt.Errorf("downstream: list tools on %s: %w", serverName, err)
	}
	srv.setHealth(HealthHealthy)
	for i := range descs {
		descs[i].ServerName = serverName
		if descs[i].FullName == "" {
			descs[i].FullName = serverName + "." + descs[i].Name
		}
	}
	return descs, nil
}

// ListAllTools aggregates descriptors across every registered server. A
// single server's failure does not abort the aggregate; its error is
// collected and returned alongside whatever other servers produced.
func (p *Pool) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	var all []ToolDescriptor
	var errs []string
	for _, name := range p.Names() {
		descs, err := p.ListTools(ctx, name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		all = append(all, descs...)
	}
	if len(errs) > 0 {
		return all, fmt.Errorf("downstream: partial listAllTools failures: %s", strings.Join(errs, "; "))
	}
	return all, nil
}

// CloseAll tears down every registered server's transport.
func (p *Pool) CloseAll() error {
	p.mu.RLock()
	servers := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.mu.RUnlock()

	var errs []string
	for _, s := range servers {
		if err := s.Transport.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("downstream: close failures: %s", strings.Join(errs, "; "))
	}
	return nil
}
