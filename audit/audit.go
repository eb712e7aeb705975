// Package audit implements the append-only, daily-rotated JSONL event log.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var nopLogger = slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Event is one line of the audit log. It never carries plaintext secrets
// or argument values — only their SHA-256 hash — enforced by callers, not
// by this package.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	Kind          string         `json:"kind"`
	Outcome       string         `json:"outcome"`
	ToolName      string         `json:"toolName,omitempty"`
	ArgsHash      string         `json:"argsHash,omitempty"`
	LatencyMs     int64          `json:"latencyMs,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Log is a single-writer, daily-rotated append-only JSONL audit log rooted
// at <state-dir>/audit-logs. All appends are serialized through mu so the
// file handle is safely reacquired across a UTC date rollover.
type Log struct {
	dir            string
	retentionDays  int
	logger         *slog.Logger

	mu          sync.Mutex
	currentDate string
	file        *os.File
}

// Option configures a Log.
type Option func(*Log)

// RetentionDays overrides the default 30-day retention window. Values
// outside [1, 365] are clamped.
func RetentionDays(n int) Option {
	return func(l *Log) {
		if n < 1 {
			n = 1
		}
		if n > 365 {
			n = 365
		}
		l.retentionDays = n
	}
}

// Logger sets the structured logger used for non-fatal audit failures.
func Logger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Open creates (if needed) <stateDir>/audit-logs and returns a Log ready to
// accept records. It is fatal (returns an error) if the directory cannot
// be created.
func Open(stateDir string, opts ...Option) (*Log, error) {
	dir := filepath.Join(stateDir, "audit-logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	l := &Log{dir: dir, retentionDays: 30}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = nopLogger
	}
	return l, nil
}

// Record appends event to the current day's log file, returning only after
// the write is durable. Callers must not block a user-visible operation on
// the result but must surface a non-nil error to the caller as well as log
// it, per the failure-semantics contract.
func (l *Log) Record(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("audit: marshal event failed", "error", err)
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFileLocked(event.Timestamp); err != nil {
		l.logger.Error("audit: open log file failed", "error", err)
		return err
	}
	if _, err := l.file.Write(line); err != nil {
		l.logger.Error("audit: append failed", "error", err)
		return fmt.Errorf("audit: append: %w", err)
	}
	return l.file.Sync()
}

// ensureFileLocked reacquires the file handle for ts's UTC calendar date,
// rotating if the date has rolled over since the last call. Must be called
// with l.mu held.
func (l *Log) ensureFileLocked(ts time.Time) error {
	date := ts.UTC().Format("2006-01-02")
	if date == l.currentDate && l.file != nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.log", date))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	l.currentDate = date
	return nil
}

// Sweep deletes log files older than the retention window. It is
// idempotent; a failure to delete one file does not abort the sweep, but
// is returned as a joined error after all files are attempted.
func (l *Log) Sweep() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("audit: read log directory: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)

	var failures []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".log")
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				failures = append(failures, name)
				l.logger.Warn("audit: sweep failed to remove file", "file", name, "error", err)
			}
		}
	}
	if len(failures) > 0 {
		sort.Strings(failures)
		return fmt.Errorf("audit: sweep failed to remove: %s", strings.Join(failures, ", "))
	}
	return nil
}

// Close flushes and closes the current file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
