package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

type fakeDispatcher struct {
	result json.RawMessage
	err    error
}

func (f *fakeDispatcher) CallTool(ctx context.Context, executionID, requestID, clientID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	return f.result, f.err
}

type fakeLister struct {
	tools json.RawMessage
}

func (f *fakeLister) ListToolsFor(ctx context.Context, executionID string) (json.RawMessage, error) {
	return f.tools, nil
}

func startTestBridge(t *testing.T, session *Session) (*Bridge, string) {
	t.Helper()
	b := New()
	addr, err := b.Start()
	if err != nil {
		t.Fatal(err)
	}
	b.Bind("sess1", session)
	t.Cleanup(func() { b.Close() })
	return b, addr
}

func post(t *testing.T, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestToolCallRoundTrip(t *testing.T) {
	session := &Session{
		ExecutionID: "exec-1",
		Token:       "secret-token",
		Dispatcher:  &fakeDispatcher{result: json.RawMessage(`{"n":1}`)},
	}
	_, addr := startTestBridge(t, session)

	body, _ := json.Marshal(toolCallRequest{RequestID: "r1", Name: "fs.read", Args: json.RawMessage(`{}`)})
	resp := post(t, "http://"+addr+"/sess1/tool-call", "secret-token", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out toolCallResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if string(out.Result) != `{"n":1}` {
		t.Fatalf("Result = %s, want {\"n\":1}", out.Result)
	}
}

func TestToolCallRejectsWrongToken(t *testing.T) {
	session := &Session{ExecutionID: "exec-1", Token: "secret-token", Dispatcher: &fakeDispatcher{}}
	_, addr := startTestBridge(t, session)

	resp := post(t, "http://"+addr+"/sess1/tool-call", "wrong-token", []byte(`{}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestToolCallRejectsMissingToken(t *testing.T) {
	session := &Session{ExecutionID: "exec-1", Token: "secret-token", Dispatcher: &fakeDispatcher{}}
	_, addr := startTestBridge(t, session)

	resp := post(t, "http://"+addr+"/sess1/tool-call", "", []byte(`{}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	session := &Session{ExecutionID: "exec-1", Token: "secret-token", Dispatcher: &fakeDispatcher{}}
	_, addr := startTestBridge(t, session)

	resp := post(t, "http://"+addr+"/ghost/tool-call", "secret-token", []byte(`{}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListToolsRoundTrip(t *testing.T) {
	session := &Session{
		ExecutionID: "exec-1",
		Token:       "secret-token",
		Lister:      &fakeLister{tools: json.RawMessage(`[{"name":"fs.read"}]`)},
	}
	_, addr := startTestBridge(t, session)

	resp := post(t, "http://"+addr+"/sess1/list-tools", "secret-token", []byte(`{}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal([]map[string]string{{"name": "fs.read"}})
	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	if strings.TrimSpace(body.String()) != string(data) {
		t.Fatalf("body = %s, want %s", body.String(), data)
	}
}

func TestUnbindDeniesFurtherRequests(t *testing.T) {
	session := &Session{ExecutionID: "exec-1", Token: "secret-token", Dispatcher: &fakeDispatcher{}}
	b, addr := startTestBridge(t, session)

	b.Unbind("sess1")
	resp := post(t, "http://"+addr+"/sess1/tool-call", "secret-token", []byte(`{}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after unbind", resp.StatusCode)
	}
}

func TestBridgeBindsLoopbackOnly(t *testing.T) {
	b := New()
	addr, err := b.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Fatalf("Start() addr = %q, want a 127.0.0.1 loopback address", addr)
	}
}

func TestCloseIsSynchronousAndFast(t *testing.T) {
	b := New()
	if _, err := b.Start(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Close() took too long for a synchronous teardown")
	}
}
