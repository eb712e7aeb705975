// Package bridge exposes a loopback-only HTTP endpoint the sandbox calls
// back into to make tool calls and list available tools. Every request
// carries a bearer token compared in constant time against the session's
// token; the listener binds to 127.0.0.1 only and is torn down
// synchronously when the owning Execution ends.
package bridge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/toolbroker/audit"
)

const (
	toolCallPath  = "/tool-call"
	listToolsPath = "/list-tools"
)

// Dispatcher performs one tool call on behalf of a bridge session, backed
// by the root package's Dispatcher.
type Dispatcher interface {
	CallTool(ctx context.Context, executionID, requestID, clientID, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// Lister enumerates the tools available to a bridge session.
type Lister interface {
	ListToolsFor(ctx context.Context, executionID string) (json.RawMessage, error)
}

// Session is one Execution's bridge binding: its bearer token and the
// dispatcher/lister scoped to it.
type Session struct {
	ExecutionID string
	Token       string
	Dispatcher  Dispatcher
	Lister      Lister
	ClientID    string
}

// AuditSink records one bridge-level event. *audit.Log satisfies this
// directly.
type AuditSink interface {
	Record(event audit.Event) error
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithAudit records rejected requests (bad bearer token) to sink. Without
// it, auth failures are silently dropped.
func WithAudit(sink AuditSink) Option {
	return func(b *Bridge) { b.audit = sink }
}

// toolCallRequest is the JSON body the sandbox POSTs to /tool-call.
type toolCallRequest struct {
	RequestID string          `json:"requestId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
}

type toolCallResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Bridge owns a single loopback HTTP listener shared across every active
// Execution's session, dispatching to the right session's Dispatcher by an
// opaque per-session path segment negotiated at Bind time.
type Bridge struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session

	ln    net.Listener
	srv   *http.Server
	audit AuditSink
}

// New creates a Bridge with no listener bound yet.
func New(opts ...Option) *Bridge {
	b := &Bridge{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Addr returns the bound listener's address, or "" if Start has not been
// called yet.
func (b *Bridge) Addr() string {
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

// Start binds the loopback listener at 127.0.0.1:0 and begins serving. It
// returns the resolved address so callers can hand the port to a sandbox.
func (b *Bridge) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bridge: listen: %w", err)
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handle)
	b.srv = &http.Server{Handler: mux}

	go b.srv.Serve(ln)
	return ln.Addr().String(), nil
}

// Bind registers a session under sessionID, keyed by the Execution's
// bearer token holder. Sessions are addressed by sessionID as the URL path
// prefix: POST /<sessionID>/tool-call.
func (b *Bridge) Bind(sessionID string, session *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = session
}

// Unbind removes a session, denying any further requests against it. Any
// in-flight request against the session at the moment of Unbind is not
// forcibly aborted here — that happens when the caller subsequently closes
// the request's context (the sandbox process being killed cuts the
// underlying connection).
func (b *Bridge) Unbind(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Close tears down the listener synchronously, aborting any in-flight
// request.
func (b *Bridge) Close() error {
	if b.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.srv.Shutdown(ctx)
}

func (b *Bridge) handle(w http.ResponseWriter, r *http.Request) {
	sessionID, subpath, ok := splitSessionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	b.mu.RLock()
	session, found := b.sessions[sessionID]
	b.mu.RUnlock()
	if !found {
		http.NotFound(w, r)
		return
	}

	if !authorized(r, session.Token) {
		b.recordAuthFailure(sessionID)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case subpath == toolCallPath && r.Method == http.MethodPost:
		b.handleToolCall(w, r, session)
	case subpath == listToolsPath && r.Method == http.MethodPost:
		b.handleListTools(w, r, session)
	default:
		http.NotFound(w, r)
	}
}

// splitSessionPath extracts "/<sessionID><subpath>" without allocating a
// router per session.
func splitSessionPath(p string) (sessionID, subpath string, ok bool) {
	if len(p) < 2 || p[0] != '/' {
		return "", "", false
	}
	rest := p[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i:], true
		}
	}
	return "", "", false
}

// authorized compares the presented bearer token to want using a
// constant-time comparison, so mismatched tokens never leak timing
// information about case, length, or content.
func authorized(r *http.Request, want string) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) < len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	presented := auth[len(prefix):]
	// Pad to equal length before comparing: ConstantTimeCompare itself
	// returns 0 immediately on length mismatch, which would leak length.
	// Hashing both sides first keeps the comparison length-independent.
	return subtle.ConstantTimeCompare(tokenDigest(presented), tokenDigest(want)) == 1
}

func (b *Bridge) recordAuthFailure(sessionID string) {
	if b.audit == nil {
		return
	}
	b.audit.Record(audit.Event{
		Timestamp:     time.Now(),
		CorrelationID: sessionID,
		Kind:          "auth-failure",
		Outcome:       "rejected",
	})
}

// tokenDigest hashes a token to a fixed-length digest so
// ConstantTimeCompare never short-circuits on a length mismatch between
// the presented and expected values.
func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *Bridge) handleToolCall(w http.ResponseWriter, r *http.Request, session *Session) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, toolCallResponse{Error: "invalid request body"})
		return
	}

	result, err := session.Dispatcher.CallTool(r.Context(), session.ExecutionID, req.RequestID, session.ClientID, req.Name, req.Args)
	if err != nil {
		writeJSON(w, http.StatusOK, toolCallResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toolCallResponse{Result: result})
}

func (b *Bridge) handleListTools(w http.ResponseWriter, r *http.Request, session *Session) {
	tools, err := session.Lister.ListToolsFor(r.Context(), session.ExecutionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, toolCallResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tools)
}
