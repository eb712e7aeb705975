// Package downstream maintains one live connection per configured
// downstream server and routes tool calls to the right transport
// (line-delimited subprocess or streaming HTTP), reconnecting on failure
// and tracking the pool-wide concurrency cap.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ToolDescriptor mirrors the orchestrator's wire descriptor, kept local so
// this package has no dependency on the root package.
type ToolDescriptor struct {
	FullName    string          `json:"fullName"`
	ServerName  string          `json:"serverName"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// ErrNotConnected is returned by a transport method when no live
// connection exists and reconnection has not yet succeeded.
var ErrNotConnected = errors.New("downstream: not connected")

// Transport is the protocol both supported downstream connection kinds
// implement: a request/response discipline addressed by monotonically
// increasing integer ids within one connection, demultiplexed on receipt.
type Transport interface {
	// Connect establishes the connection, spawning a subprocess or opening
	// the streaming HTTP body as appropriate.
	Connect(ctx context.Context) error
	// ListTools returns every tool descriptor the downstream server exposes.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes one tool by bare name with raw JSON arguments.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	// Close tears down the connection.
	Close() error
}

// request is the wire request frame shared by both transports.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is the wire response frame shared by both transports.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
}

func (e *wireError) asError() error {
	if e == nil {
		return nil
	}
	return errors.New(e.Message)
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}
