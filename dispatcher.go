package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaymesh/toolbroker/audit"
	"github.com/relaymesh/toolbroker/breaker"
	"github.com/relaymesh/toolbroker/downstream"
	"github.com/relaymesh/toolbroker/observability"
	"github.com/relaymesh/toolbroker/queue"
	"github.com/relaymesh/toolbroker/ratelimit"
	"github.com/relaymesh/toolbroker/schema"
)

// SchemaSource resolves a ToolDescriptor's JSON-Schema by fully-qualified
// tool name, backed by C5's cache.
type SchemaSource interface {
	GetToolSchema(fullName string) (schema.Descriptor, error)
}

// Validator checks arguments against a tool's schema, backed by C4.
type Validator interface {
	Validate(toolName string, args, rawSchema json.RawMessage) (*schema.ValidationFailure, error)
}

// Caller performs the actual downstream invocation, backed by C8's Pool.
type Caller interface {
	CallTool(ctx context.Context, fullName string, args json.RawMessage) (json.RawMessage, error)
	TryAdmit() bool
	Release()
}

// AuditSink records one outcome of the pipeline, backed by C2.
type AuditSink interface {
	Record(event audit.Event) error
}

// DispatcherConfig wires the pipeline's collaborators. All fields are
// required except MaxQueueWait, which defaults to 30s, and Instruments,
// which disables metrics recording when nil.
type DispatcherConfig struct {
	RateLimiter  *ratelimit.Limiter
	Breaker      *breaker.Registry
	Schemas      SchemaSource
	Validator    Validator
	Downstream   Caller
	Queue        *queue.Queue
	Audit        AuditSink
	MaxQueueWait time.Duration
	Instruments  *observability.Instruments
}

// pendingCall is the record kept for request-id deduplication: the first
// caller for an (executionID, requestID) pair dispatches, later callers
// attach to its outcome.
type pendingCall struct {
	done   chan struct{}
	result ToolCallResult
}

// Dispatcher composes C3 (rate limit) -> C7 (queue) -> C6 (breaker) -> C5
// (schema cache) -> C4 (validate) -> C8 (downstream) for every tool call
// issued by a running Execution, deduplicating by (executionId, requestId).
type Dispatcher struct {
	cfg DispatcherConfig

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewDispatcher constructs a Dispatcher from the given collaborators.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxQueueWait <= 0 {
		cfg.MaxQueueWait = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg, pending: make(map[string]*pendingCall)}
}

func dedupeKey(executionID, requestID string) string {
	return executionID + ":" + requestID
}

// Allowed reports whether toolName matches one of the glob patterns in
// allowedTools (path.Match semantics: "*" only fails to cross a "/"
// separator, so it does span "." — a pattern like "server.*" matches every
// tool on that server).
func Allowed(toolName string, allowedTools []string) bool {
	for _, pattern := range allowedTools {
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

func argsHash(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])
}

// failureOutcome classifies a pipeline error for the audit log: a
// validation failure, a queue timeout, or a downstream failure is a
// genuine failure of the call itself; everything else (rate limiting, an
// unpermitted tool, a tripped circuit, an internal error before the call
// was even attempted) is a rejection of the request, not a failure of it.
func failureOutcome(err error) EventOutcome {
	k, ok := err.(interface{ Kind() Kind })
	if !ok {
		return OutcomeRejected
	}
	switch k.Kind() {
	case KindValidationFailed, KindQueueTimeout, KindDownstreamFailure:
		return OutcomeFailure
	default:
		return OutcomeRejected
	}
}

// Dispatch runs the full pipeline for one ToolCallRequest. It deduplicates
// concurrent calls sharing the same (req.ExecutionID, req.RequestID): the
// first caller runs the pipeline, later callers block on the same outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req ToolCallRequest, allowedTools []string) ToolCallResult {
	key := dedupeKey(req.ExecutionID, req.RequestID)

	d.mu.Lock()
	if existing, ok := d.pending[key]; ok {
		d.mu.Unlock()
		<-existing.done
		return existing.result
	}
	call := &pendingCall{done: make(chan struct{})}
	d.pending[key] = call
	d.mu.Unlock()

	result := d.dispatchOnce(ctx, req, allowedTools)

	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()

	call.result = result
	close(call.done)
	return result
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, req ToolCallRequest, allowedTools []string) ToolCallResult {
	start := time.Now()

	d.audit(audit.Event{
		Timestamp:     start,
		CorrelationID: req.RequestID,
		Kind:          string(EventToolCall),
		Outcome:       "pending",
		ToolName:      req.ToolName,
		ArgsHash:      argsHash(req.Args),
	})

	fail := func(kind EventKind, err error) ToolCallResult {
		d.audit(audit.Event{
			Timestamp:     time.Now(),
			CorrelationID: req.RequestID,
			Kind:          string(kind),
			Outcome:       string(failureOutcome(err)),
			ToolName:      req.ToolName,
			LatencyMs:     time.Since(start).Milliseconds(),
			Error:         err.Error(),
		})
		if d.cfg.Instruments != nil {
			d.cfg.Instruments.ToolCallsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(kind))))
		}
		return ToolCallResult{Err: err}
	}

	// Step 2: rate limit.
	rl := d.cfg.RateLimiter.Check(req.ClientID)
	if d.cfg.Instruments != nil {
		if rl.Allowed {
			d.cfg.Instruments.RateLimiterAllow.Add(ctx, 1)
		} else {
			d.cfg.Instruments.RateLimiterDeny.Add(ctx, 1)
		}
	}
	if !rl.Allowed {
		return fail(EventRateLimited, &RateLimitError{ResetIn: rl.ResetIn})
	}

	// Step 3: tool allow-list.
	if !Allowed(req.ToolName, allowedTools) {
		return fail(EventToolCall, ErrToolNotPermitted(req.ToolName))
	}

	serverName, _, err := downstream.ParseToolName(req.ToolName)
	if err != nil {
		return fail(EventToolCall, ErrInternal(err.Error()))
	}

	// Step 5: schema resolution, fail closed.
	desc, err := d.cfg.Schemas.GetToolSchema(req.ToolName)
	if err != nil {
		return fail(EventToolCall, ErrSchemaUnavailable(req.ToolName))
	}

	// Step 6: validate arguments.
	failure, err := d.cfg.Validator.Validate(req.ToolName, req.Args, desc.InputSchema)
	if err != nil {
		return fail(EventToolCall, ErrInternal(err.Error()))
	}
	if failure != nil {
		return fail(EventToolCall, &ValidationError{Path: failure.Path, Expected: failure.Expected})
	}

	// Step 7: admission, queuing on saturation.
	if err := d.admit(ctx, req); err != nil {
		return fail(EventQueueFull, err)
	}
	defer d.release()

	// Step 8: invoke downstream, recording into the breaker.
	var result json.RawMessage
	callErr := d.cfg.Breaker.Execute(serverName, func() error {
		var innerErr error
		result, innerErr = d.cfg.Downstream.CallTool(ctx, req.ToolName, req.Args)
		return innerErr
	})
	if callErr != nil {
		var openErr *breaker.ErrOpen
		if errors.As(callErr, &openErr) {
			return fail(EventCircuitOpen, &CircuitOpenError{ServerName: serverName})
		}
		return fail(EventToolCall, &DownstreamError{ServerName: serverName, Message: callErr.Error()})
	}

	latency := time.Since(start)
	d.audit(audit.Event{
		Timestamp:     time.Now(),
		CorrelationID: req.RequestID,
		Kind:          string(EventToolCall),
		Outcome:       string(OutcomeSuccess),
		ToolName:      req.ToolName,
		ArgsHash:      argsHash(req.Args),
		LatencyMs:     latency.Milliseconds(),
	})
	if d.cfg.Instruments != nil {
		d.cfg.Instruments.ToolCallsAdmitted.Add(ctx, 1)
		d.cfg.Instruments.DispatchLatency.Record(ctx, float64(latency.Milliseconds()))
	}
	return ToolCallResult{Result: result}
}

// admit enters the call immediately if the downstream pool has headroom, or
// enqueues it via C7 and waits for the slot to be handed off by a prior
// call's release (or the request's deadline, falling back to MaxQueueWait
// when the request carries none).
func (d *Dispatcher) admit(ctx context.Context, req ToolCallRequest) error {
	if d.cfg.Downstream.TryAdmit() {
		return nil
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(d.cfg.MaxQueueWait)
	}
	waker := make(chan error, 1)
	entry := &queue.Entry{
		RequestID:  req.RequestID,
		ClientID:   req.ClientID,
		ToolName:   req.ToolName,
		EnqueuedAt: time.Now(),
		Deadline:   deadline,
		Waker:      waker,
	}
	if err := d.cfg.Queue.Enqueue(entry); err != nil {
		return ErrQueueFull()
	}

	select {
	case err := <-waker:
		if err != nil {
			return ErrQueueTimeout()
		}
		return nil // slot handed off directly by release(); no TryAdmit needed
	case <-ctx.Done():
		d.abandon(entry, waker)
		return ErrQueueTimeout()
	case <-time.After(time.Until(deadline)):
		d.abandon(entry, waker)
		d.cfg.Queue.CleanupExpired()
		return ErrQueueTimeout()
	}
}

// abandon gives up entry's place in the queue. If TryAbandon wins, no slot
// was ever committed to entry and there's nothing further to do. If it
// loses, release() had already committed this entry's freed slot via
// TryHandoff and is about to (or already did) send it on waker; abandon
// drains that send and hands the slot straight back to the pool, since the
// caller giving up here will never register a matching release() of its
// own.
func (d *Dispatcher) abandon(entry *queue.Entry, waker chan error) {
	if entry.TryAbandon() {
		return
	}
	<-waker
	d.cfg.Downstream.Release()
}

// release gives up this call's admitted slot. If a call is waiting in the
// queue, the slot is handed directly to the oldest one (its Waker is sent
// nil) rather than being released back to the pool and re-contended — this
// keeps queued callers FIFO instead of racing freshly arriving ones for
// newly freed capacity. TryHandoff and the waiter's TryAbandon race on the
// same entry; whichever loses that CAS is responsible for not touching
// Waker, so a losing handoff here just moves on to the next queued entry
// instead of sending into a channel nobody will ever drain.
func (d *Dispatcher) release() {
	for {
		entry, ok := d.cfg.Queue.Dequeue()
		if !ok {
			d.cfg.Downstream.Release()
			return
		}
		if !entry.TryHandoff() {
			continue
		}
		entry.Waker <- nil
		return
	}
}

func (d *Dispatcher) audit(event audit.Event) {
	if d.cfg.Audit == nil {
		return
	}
	d.cfg.Audit.Record(event)
}
