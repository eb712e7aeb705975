// Package server exposes the execute operation on two wire surfaces: a
// line-delimited JSON channel over stdio and a streaming HTTP channel.
// Both poll for a request and write back exactly one response, against the
// fixed execute-request/execute-response contract.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	orchestrator "github.com/relaymesh/toolbroker"
)

// Runner creates and runs one Execution to completion, returning the wire
// response. Front-ends never talk to the sandbox supervisor directly.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (orchestrator.ExecuteResponse, error)
}

// StdioServer speaks one execute-request per line on stdin, one
// execute-response per line on stdout, matching the downstream
// transports' own line-delimited discipline.
type StdioServer struct {
	runner Runner
	in     io.Reader
	out    io.Writer

	mu       sync.Mutex
	draining bool
}

// NewStdioServer creates a front-end reading requests from in and writing
// responses to out.
func NewStdioServer(runner Runner, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{runner: runner, in: in, out: out}
}

// Serve reads execute-requests until ctx is cancelled or the input is
// exhausted. Each request is handled synchronously in request order — the
// sandbox itself is the concurrency unit, not this loop.
func (s *StdioServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, line)
	}
	return scanner.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	var req orchestrator.ExecuteRequest
	resp := s.dispatch(ctx, line, &req)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}

func (s *StdioServer) dispatch(ctx context.Context, line []byte, req *orchestrator.ExecuteRequest) orchestrator.ExecuteResponse {
	if s.isDraining() {
		return errorResponse(orchestrator.ErrShuttingDown())
	}
	if err := json.Unmarshal(line, req); err != nil {
		return errorResponse(orchestrator.ErrInternal("malformed execute request: " + err.Error()))
	}
	resp, err := s.runner.Execute(ctx, *req)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

// StopAccepting marks the server as draining: subsequent requests fail
// fast with a shutdown error instead of being dispatched.
func (s *StdioServer) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

func (s *StdioServer) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// HTTPServer exposes the execute operation as a streaming HTTP endpoint:
// POST /execute with an ExecuteRequest body, response streamed back as a
// single ExecuteResponse once the Execution completes.
type HTTPServer struct {
	runner Runner
	srv    *http.Server

	mu       sync.Mutex
	draining bool
}

// NewHTTPServer creates an HTTP front-end bound to addr.
func NewHTTPServer(runner Runner, addr string) *HTTPServer {
	h := &HTTPServer{runner: runner}
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", h.handleExecute)
	h.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}
	return h
}

// ListenAndServe starts the HTTP front-end; blocks until Shutdown is called
// or a listener error occurs.
func (h *HTTPServer) ListenAndServe() error {
	if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// StopAccepting marks the server as draining without closing the listener,
// so requests already accepted can still complete while new ones are
// rejected.
func (h *HTTPServer) StopAccepting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
}

// Shutdown drains in-flight requests up to the given deadline, then closes
// the listener.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse(orchestrator.ErrShuttingDown()))
		return
	}

	var req orchestrator.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(orchestrator.ErrInternal("malformed execute request: "+err.Error())))
		return
	}

	resp, err := h.runner.Execute(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(err error) orchestrator.ExecuteResponse {
	kind := "internal-error"
	if k, ok := err.(interface{ Kind() orchestrator.Kind }); ok {
		kind = string(k.Kind())
	}
	return orchestrator.ExecuteResponse{
		Status: orchestrator.StatusFailed,
		Error:  &orchestrator.ErrorInfo{Kind: kind, Message: err.Error()},
	}
}
