// Package testdownstream implements a couple of in-process fake downstream
// tool servers used by integration tests: one speaking the line-delimited
// protocol over an in-memory pipe (standing in for a subprocess peer), one
// speaking the streaming HTTP protocol over an httptest server. Both expose
// the same three content-shaping tools so callers can exercise the pool and
// dispatcher against realistic tool descriptors without a real network peer.
package testdownstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
)

// Tool is one fake downstream tool: its descriptor fields plus the handler
// that answers a callTool invocation.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Call        func(args json.RawMessage) (json.RawMessage, error)
}

// DefaultTools returns the three tools every fake server exposes.
func DefaultTools() []Tool {
	return []Tool{readabilityTool(), pdfTool(), markdownTool()}
}

func readabilityTool() Tool {
	return Tool{
		Name:        "readability_extract",
		Description: "Extracts the readable article text from an HTML page, discarding navigation and boilerplate.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["html"],
			"properties": {
				"html": {"type": "string"},
				"url": {"type": "string"}
			}
		}`),
		Call: func(args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				HTML string `json:"html"`
				URL  string `json:"url"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("testdownstream: decode extract args: %w", err)
			}
			pageURL, err := url.Parse(req.URL)
			if err != nil {
				pageURL, _ = url.Parse("https://example.invalid/")
			}
			article, err := readability.FromReader(bytes.NewReader([]byte(req.HTML)), pageURL)
			if err != nil {
				return nil, fmt.Errorf("testdownstream: extract article: %w", err)
			}
			return json.Marshal(map[string]string{
				"title": article.Title,
				"text":  article.TextContent,
				"byline": article.Byline,
			})
		},
	}
}

func pdfTool() Tool {
	return Tool{
		Name:        "pdf_extract",
		Description: "Extracts plain text from a PDF file on disk.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string"}
			}
		}`),
		Call: func(args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("testdownstream: decode extract args: %w", err)
			}
			if _, err := os.Stat(req.Path); err != nil {
				return nil, fmt.Errorf("testdownstream: pdf path: %w", err)
			}
			f, r, err := pdf.Open(req.Path)
			if err != nil {
				return nil, fmt.Errorf("testdownstream: open pdf: %w", err)
			}
			defer f.Close()

			reader, err := r.GetPlainText()
			if err != nil {
				return nil, fmt.Errorf("testdownstream: read pdf text: %w", err)
			}
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(reader); err != nil {
				return nil, fmt.Errorf("testdownstream: buffer pdf text: %w", err)
			}
			return json.Marshal(map[string]any{
				"text":  buf.String(),
				"pages": r.NumPage(),
			})
		},
	}
}

func markdownTool() Tool {
	return Tool{
		Name:        "markdown_render",
		Description: "Renders markdown source to HTML.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["markdown"],
			"properties": {
				"markdown": {"type": "string"}
			}
		}`),
		Call: func(args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				Markdown string `json:"markdown"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("testdownstream: decode render args: %w", err)
			}
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(req.Markdown), &buf); err != nil {
				return nil, fmt.Errorf("testdownstream: render markdown: %w", err)
			}
			return json.Marshal(map[string]string{"html": buf.String()})
		},
	}
}
