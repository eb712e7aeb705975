package testdownstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/relaymesh/toolbroker/downstream"
)

// PipeTransport implements downstream.Transport by running the same
// line-delimited protocol SubprocessTransport speaks over its child
// process's stdio, but over an in-memory io.Pipe pair instead of a spawned
// process. It stands in for a subprocess downstream server in integration
// tests that want the real wire framing without forking anything.
type PipeTransport struct {
	tools []Tool

	mu      sync.Mutex
	writer  io.WriteCloser
	nextID  atomic.Int64
	pending map[int64]chan wireResponse
	cancel  context.CancelFunc
}

// NewPipeTransport creates a transport backed by the given tools. Connect
// starts the fake server's serve loop on a background goroutine.
func NewPipeTransport(tools []Tool) *PipeTransport {
	return &PipeTransport{tools: tools}
}

// Connect implements downstream.Transport.
func (t *PipeTransport) Connect(ctx context.Context) error {
	serverCtx, cancel := context.WithCancel(context.Background())

	requestR, requestW := io.Pipe()
	responseR, responseW := io.Pipe()

	t.mu.Lock()
	t.writer = requestW
	t.pending = make(map[int64]chan wireResponse)
	t.cancel = cancel
	t.mu.Unlock()

	reg := newRegistry(t.tools)
	go func() {
		_ = serve(serverCtx, requestR, responseW, reg)
		responseW.Close()
	}()
	go t.readLoop(responseR)

	go func() {
		<-ctx.Done()
		t.Close()
	}()
	return nil
}

func (t *PipeTransport) readLoop(r io.Reader) {
	decoder := json.NewDecoder(r)
	for {
		var resp wireResponse
		if err := decoder.Decode(&resp); err != nil {
			break
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	t.mu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pending = nil
	t.mu.Unlock()
}

func (t *PipeTransport) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan wireResponse, 1)

	t.mu.Lock()
	if t.pending == nil {
		t.mu.Unlock()
		return nil, downstream.ErrNotConnected
	}
	t.pending[id] = ch
	w := t.writer
	t.mu.Unlock()

	data, err := json.Marshal(wireRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("testdownstream: marshal request: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("testdownstream: write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("testdownstream: pipe closed while awaiting response")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListTools implements downstream.Transport.
func (t *PipeTransport) ListTools(ctx context.Context) ([]downstream.ToolDescriptor, error) {
	result, err := t.call(ctx, "listTools", nil)
	if err != nil {
		return nil, err
	}
	var out listToolsResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("testdownstream: decode listTools result: %w", err)
	}
	return out.Tools, nil
}

// CallTool implements downstream.Transport.
func (t *PipeTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(callToolParams{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	return t.call(ctx, "callTool", params)
}

// Close implements downstream.Transport.
func (t *PipeTransport) Close() error {
	t.mu.Lock()
	w := t.writer
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if w == nil {
		return nil
	}
	return w.Close()
}
