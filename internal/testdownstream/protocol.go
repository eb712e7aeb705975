package testdownstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/relaymesh/toolbroker/downstream"
)

// wireRequest and wireResponse mirror the frame shapes both of the
// downstream package's real transports speak on the wire: a monotonically
// increasing per-connection id, a method name, and raw JSON params/result.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
}

type listToolsResult struct {
	Tools []downstream.ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// registry answers listTools/callTool requests against a fixed tool set.
type registry struct {
	byName      map[string]Tool
	descriptors []downstream.ToolDescriptor
}

func newRegistry(tools []Tool) *registry {
	r := &registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.byName[t.Name] = t
		r.descriptors = append(r.descriptors, downstream.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return r
}

func (r *registry) handle(req wireRequest) wireResponse {
	switch req.Method {
	case "listTools":
		result, err := json.Marshal(listToolsResult{Tools: r.descriptors})
		if err != nil {
			return wireResponse{ID: req.ID, Error: &wireError{Message: err.Error()}}
		}
		return wireResponse{ID: req.ID, Result: result}
	case "callTool":
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return wireResponse{ID: req.ID, Error: &wireError{Message: err.Error()}}
		}
		tool, ok := r.byName[params.Name]
		if !ok {
			return wireResponse{ID: req.ID, Error: &wireError{Message: fmt.Sprintf("testdownstream: unknown tool %q", params.Name)}}
		}
		result, err := tool.Call(params.Args)
		if err != nil {
			return wireResponse{ID: req.ID, Error: &wireError{Message: err.Error()}}
		}
		return wireResponse{ID: req.ID, Result: result}
	default:
		return wireResponse{ID: req.ID, Error: &wireError{Message: fmt.Sprintf("testdownstream: unknown method %q", req.Method)}}
	}
}

// serve reads newline-delimited wireRequest frames from r until it returns
// io.EOF or ctx is done, dispatching each to reg and writing back one
// wireResponse frame per line. Writes are serialized since concurrent
// callTool handlers may finish out of order.
func serve(ctx context.Context, r io.Reader, w io.Writer, reg *registry) error {
	var writeMu sync.Mutex
	writeLine := func(resp wireResponse) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = w.Write(append(data, '\n'))
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
		return err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = writeLine(reg.handle(req))
		}()
	}
	wg.Wait()
	return scanner.Err()
}
