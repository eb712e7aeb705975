package testdownstream

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/relaymesh/toolbroker/downstream"
)

func TestMarkdownToolRendersHTML(t *testing.T) {
	tool := markdownTool()
	result, err := tool.Call(json.RawMessage(`{"markdown":"# hi"}`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var out struct{ HTML string }
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(out.HTML, "<h1") {
		t.Fatalf("HTML = %q, want an <h1>", out.HTML)
	}
}

func TestReadabilityToolExtractsArticleText(t *testing.T) {
	tool := readabilityTool()
	html := `<html><body><article><h1>Title</h1><p>The quick brown fox jumps over the lazy dog, again and again, in a very long paragraph so readability keeps it as the main content block instead of discarding it as boilerplate navigation text.</p></article></body></html>`
	result, err := tool.Call(json.RawMessage(`{"html":` + jsonString(html) + `,"url":"https://example.com/article"}`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var out struct{ Text string }
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(out.Text, "quick brown fox") {
		t.Fatalf("Text = %q, want the article body", out.Text)
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestPipeTransportServesToolsThroughThePool(t *testing.T) {
	pool := downstream.NewPool(4)
	if err := pool.Register(context.Background(), "content", NewPipeTransport(DefaultTools())); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	descs, err := pool.ListTools(context.Background(), "content")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("len(descs) = %d, want 3", len(descs))
	}

	result, err := pool.CallTool(context.Background(), "content.markdown_render", json.RawMessage(`{"markdown":"hello"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !strings.Contains(string(result), "hello") {
		t.Fatalf("result = %s, want it to echo the rendered markdown", result)
	}
}

func TestHTTPServerServesToolsThroughThePool(t *testing.T) {
	srv := NewHTTPServer(DefaultTools())
	defer srv.Close()

	pool := downstream.NewPool(4)
	if err := pool.Register(context.Background(), "content", downstream.NewHTTPTransport(srv.URL)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer pool.CloseAll()

	descs, err := pool.ListTools(context.Background(), "content")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("len(descs) = %d, want 3", len(descs))
	}
}
