package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/toolbroker/bridge"
	"github.com/relaymesh/toolbroker/downstream"
	"github.com/relaymesh/toolbroker/filter"
	"github.com/relaymesh/toolbroker/sandbox"
)

// EngineBinary is one runnable sandbox engine: the interpreter/VM binary
// and base arguments used to start it, keyed by the ExecuteRequest's
// Language field.
type EngineBinary struct {
	Engine  sandbox.Engine
	Command string
	Args    []string
}

// ServiceConfig wires a Service's collaborators. Dispatcher, Pool, Bridge,
// and Supervisor are required; Audit and Redactor are optional.
type ServiceConfig struct {
	Dispatcher        *Dispatcher
	Pool              *downstream.Pool
	Bridge            *bridge.Bridge
	Supervisor        *sandbox.Supervisor
	Engines           map[string]EngineBinary
	WASMEngineEnabled bool
	DefaultTimeout    time.Duration
	Redactor          *filter.Redactor
}

// Service runs one Execution end to end: it starts the sandbox, binds a
// bridge session scoped to the request's allowed tools, and translates the
// sandbox's terminal result into an ExecuteResponse. It implements
// server.Runner and is the Dispatcher/Lister the bridge package calls back
// into.
type Service struct {
	cfg ServiceConfig
}

// NewService constructs a Service. Panics if a required collaborator is
// missing, since a misconfigured Service cannot safely run any Execution.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Dispatcher == nil || cfg.Pool == nil || cfg.Bridge == nil || cfg.Supervisor == nil {
		panic("orchestrator: ServiceConfig missing a required collaborator")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Redactor == nil {
		cfg.Redactor = filter.New()
	}
	return &Service{cfg: cfg}
}

// executionScope is the per-Execution state bound into the bridge: the
// request's allow-list and a running tally of tool calls made so far.
type executionScope struct {
	executionID  string
	clientID     string
	allowedTools []string
	dispatcher   *Dispatcher
	pool         *downstream.Pool

	mu      sync.Mutex
	summary ToolCallSummary
}

func newExecutionScope(executionID, clientID string, allowedTools []string, d *Dispatcher, pool *downstream.Pool) *executionScope {
	return &executionScope{
		executionID:  executionID,
		clientID:     clientID,
		allowedTools: allowedTools,
		dispatcher:   d,
		pool:         pool,
		summary:      ToolCallSummary{PerTool: make(map[string]int)},
	}
}

// CallTool satisfies bridge.Dispatcher: it runs the full C3->C8 pipeline
// for one tool call issued by this scope's sandbox process.
func (s *executionScope) CallTool(ctx context.Context, executionID, requestID, clientID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	result := s.dispatcher.Dispatch(ctx, ToolCallRequest{
		ExecutionID: executionID,
		RequestID:   requestID,
		ClientID:    clientID,
		ToolName:    toolName,
		Args:        args,
	}, s.allowedTools)

	s.mu.Lock()
	s.summary.Total++
	s.summary.PerTool[toolName]++
	s.mu.Unlock()

	return result.Result, result.Err
}

// ListToolsFor satisfies bridge.Lister: it returns the descriptors for
// every tool this scope's allow-list permits.
func (s *executionScope) ListToolsFor(ctx context.Context, executionID string) (json.RawMessage, error) {
	all, err := s.pool.ListAllTools(ctx)
	if err != nil && len(all) == 0 {
		return nil, err
	}

	visible := make([]downstream.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if Allowed(d.FullName, s.allowedTools) {
			visible = append(visible, d)
		}
	}
	return json.Marshal(visible)
}

func (s *executionScope) snapshot() ToolCallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ToolCallSummary{Total: s.summary.Total, PerTool: make(map[string]int, len(s.summary.PerTool))}
	for k, v := range s.summary.PerTool {
		out.PerTool[k] = v
	}
	return out
}

// Execute starts one Execution: it binds a fresh bridge session scoped to
// req.AllowedTools, spawns the requested engine with that session's bridge
// URL and bearer token, waits for it to finish or time out, and returns the
// translated wire response. Stdout/stderr are redacted before they leave
// the process boundary.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	engine, ok := s.cfg.Engines[req.Language]
	if !ok {
		return ExecuteResponse{}, ErrInternal("unsupported language: " + req.Language)
	}
	if engine.Engine == sandbox.EngineWASM && !s.cfg.WASMEngineEnabled {
		return ExecuteResponse{}, ErrInternal("wasm engine is disabled")
	}

	executionID := NewID()
	token, err := sandbox.NewBearerToken()
	if err != nil {
		return ExecuteResponse{}, err
	}

	scope := newExecutionScope(executionID, executionID, req.AllowedTools, s.cfg.Dispatcher, s.cfg.Pool)
	s.cfg.Bridge.Bind(executionID, &bridge.Session{
		ExecutionID: executionID,
		Token:       token,
		Dispatcher:  scope,
		Lister:      scope,
		ClientID:    executionID,
	})
	defer s.cfg.Bridge.Unbind(executionID)

	timeout := s.cfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	bridgeAddr := s.cfg.Bridge.Addr()
	if bridgeAddr == "" {
		return ExecuteResponse{}, ErrInternal("bridge listener not started")
	}

	start := time.Now()
	result := s.cfg.Supervisor.Run(ctx, sandbox.Spec{
		Engine:      engine.Engine,
		Command:     engine.Command,
		Args:        engine.Args,
		Code:        req.Code,
		BridgeURL:   fmt.Sprintf("http://%s/%s", bridgeAddr, executionID),
		BearerToken: token,
		Timeout:     timeout,
		Permissions: sandbox.Permissions{
			ReadPaths:    req.Permissions.ReadPaths,
			WritePaths:   req.Permissions.WritePaths,
			NetworkHosts: req.Permissions.NetworkHosts,
		},
	})
	elapsed := time.Since(start)

	return s.toResponse(result, scope.snapshot(), elapsed), nil
}

func (s *Service) toResponse(result sandbox.Result, summary ToolCallSummary, elapsed time.Duration) ExecuteResponse {
	resp := ExecuteResponse{
		Status:          ExecutionStatus(result.Status),
		Stdout:          s.cfg.Redactor.Redact(result.Stdout),
		Stderr:          s.cfg.Redactor.Redact(result.Stderr),
		ExecutionTimeMs: elapsed.Milliseconds(),
		ToolCallSummary: summary,
	}
	if result.Err != nil {
		resp.Error = &ErrorInfo{
			Kind:    string(statusKind(result.Status)),
			Message: s.cfg.Redactor.Redact(result.Err.Error()),
		}
	}
	return resp
}

func statusKind(status sandbox.Status) Kind {
	switch status {
	case sandbox.StatusTimedOut:
		return KindSandboxTimeout
	case sandbox.StatusFailed:
		return KindSandboxCrash
	case sandbox.StatusCancelled:
		return KindShutdown
	default:
		return KindInternal
	}
}
