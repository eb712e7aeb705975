package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/relaymesh/toolbroker/bridge"
	"github.com/relaymesh/toolbroker/downstream"
	"github.com/relaymesh/toolbroker/sandbox"
)

type fakeToolTransport struct {
	tools []downstream.ToolDescriptor
}

func (f *fakeToolTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeToolTransport) ListTools(ctx context.Context) ([]downstream.ToolDescriptor, error) {
	return f.tools, nil
}
func (f *fakeToolTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
func (f *fakeToolTransport) Close() error { return nil }

func newTestPool(t *testing.T) *downstream.Pool {
	t.Helper()
	pool := downstream.NewPool(4)
	if err := pool.Register(context.Background(), "srv", &fakeToolTransport{
		tools: []downstream.ToolDescriptor{{Name: "tool", FullName: "srv.tool"}},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return pool
}

func startTestBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b := bridge.New()
	if _, err := b.Start(); err != nil {
		t.Fatalf("bridge.Start() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	caller := newFakeCaller(4)
	dispatcher, _ := newTestDispatcher(t, caller)
	return NewService(ServiceConfig{
		Dispatcher: dispatcher,
		Pool:       newTestPool(t),
		Bridge:     startTestBridge(t),
		Supervisor: sandbox.New(1 << 20),
		Engines: map[string]EngineBinary{
			"shell": {Engine: sandbox.EngineScript, Command: "/bin/sh", Args: []string{"-c", "cat"}},
			"wasm":  {Engine: sandbox.EngineWASM, Command: "/bin/true"},
		},
		DefaultTimeout: 2 * time.Second,
	})
}

func TestExecuteRunsShellEngineAndCapturesOutput(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.Execute(context.Background(), ExecuteRequest{
		Language:     "shell",
		Code:         "hello from the sandbox",
		AllowedTools: []string{"srv.*"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusSucceeded {
		t.Fatalf("Status = %v, want %v", resp.Status, StatusSucceeded)
	}
	if resp.Stdout != "hello from the sandbox" {
		t.Fatalf("Stdout = %q", resp.Stdout)
	}
}

func TestExecuteRedactsSecretsInOutput(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.Execute(context.Background(), ExecuteRequest{
		Language: "shell",
		Code:     "contact alice@example.com for access",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.Contains(resp.Stdout, "alice@example.com") {
		t.Fatalf("Stdout = %q, email leaked", resp.Stdout)
	}
}

func TestExecuteRejectsUnsupportedLanguage(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Execute(context.Background(), ExecuteRequest{Language: "cobol", Code: "x"})
	if err == nil {
		t.Fatal("expected an error for an unsupported language")
	}
}

func TestExecuteRejectsDisabledWASMEngine(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Execute(context.Background(), ExecuteRequest{Language: "wasm", Code: "x"})
	if err == nil {
		t.Fatal("expected an error since the wasm engine is disabled by default")
	}
}

func TestExecutionScopeTracksToolCallSummary(t *testing.T) {
	caller := newFakeCaller(4)
	dispatcher, _ := newTestDispatcher(t, caller)
	pool := newTestPool(t)
	scope := newExecutionScope("exec-1", "exec-1", []string{"srv.*"}, dispatcher, pool)

	if _, err := scope.CallTool(context.Background(), "exec-1", "r1", "exec-1", "srv.tool", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if _, err := scope.CallTool(context.Background(), "exec-1", "r2", "exec-1", "srv.tool", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}

	summary := scope.snapshot()
	if summary.Total != 2 {
		t.Fatalf("Total = %d, want 2", summary.Total)
	}
	if summary.PerTool["srv.tool"] != 2 {
		t.Fatalf("PerTool[srv.tool] = %d, want 2", summary.PerTool["srv.tool"])
	}
}

func TestExecutionScopeRejectsDisallowedTool(t *testing.T) {
	caller := newFakeCaller(4)
	dispatcher, _ := newTestDispatcher(t, caller)
	pool := newTestPool(t)
	scope := newExecutionScope("exec-1", "exec-1", []string{"other.*"}, dispatcher, pool)

	_, err := scope.CallTool(context.Background(), "exec-1", "r1", "exec-1", "srv.tool", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error for a tool outside the allow-list")
	}
}

func TestExecutionScopeListToolsFiltersByAllowList(t *testing.T) {
	caller := newFakeCaller(4)
	dispatcher, _ := newTestDispatcher(t, caller)
	pool := newTestPool(t)
	scope := newExecutionScope("exec-1", "exec-1", []string{"srv.*"}, dispatcher, pool)

	raw, err := scope.ListToolsFor(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("ListToolsFor() error = %v", err)
	}
	var tools []downstream.ToolDescriptor
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("unmarshal tools: %v", err)
	}
	if len(tools) != 1 || tools[0].FullName != "srv.tool" {
		t.Fatalf("tools = %+v, want one srv.tool descriptor", tools)
	}
}
