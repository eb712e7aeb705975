package testdownstream

import (
	"context"
	"net/http"
	"net/http/httptest"
)

// flushWriter adapts an http.ResponseWriter into the Flush-aware writer
// serve expects, so each response frame reaches the client as soon as it's
// written instead of sitting in a buffer.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	return n, err
}

func (fw flushWriter) Flush() {
	fw.f.Flush()
}

// NewHTTPServer starts an httptest server speaking the same NDJSON
// request/response protocol as the real streaming HTTP transport: the
// request body is read line by line as it arrives and a response line is
// flushed back for each one, over the single long-lived connection the
// client keeps open for the test's duration.
func NewHTTPServer(tools []Tool) *httptest.Server {
	reg := newRegistry(tools)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		_ = serve(context.Background(), r.Body, flushWriter{w: w, f: flusher}, reg)
	})
	return httptest.NewServer(handler)
}
