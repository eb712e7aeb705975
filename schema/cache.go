package schema

import (
	"container/list"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

var nopLogger = slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Descriptor mirrors the orchestrator's ToolDescriptor without importing
// the root package, to keep this package independently testable. Callers
// convert to/from their own descriptor type at the boundary.
type Descriptor struct {
	FullName    string          `json:"fullName"`
	ServerName  string          `json:"serverName"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

func (d Descriptor) clone() Descriptor {
	if d.InputSchema != nil {
		cp := make(json.RawMessage, len(d.InputSchema))
		copy(cp, d.InputSchema)
		d.InputSchema = cp
	}
	return d
}

// Fetcher fetches a fresh descriptor from the downstream pool when the
// cache has nothing usable. Implemented by the downstream package.
type Fetcher func(toolName string) (Descriptor, error)

// ListFetcher fetches every descriptor known across the downstream pool,
// used to fill the cache in bulk for listAllToolSchemas.
type ListFetcher func() ([]Descriptor, error)

type entry struct {
	descriptor Descriptor
	expiresAt  time.Time
	elem       *list.Element // position in the LRU list
}

// Cache is an LRU map of tool name to cached descriptor, bounded at a
// configured maximum, backed by single-flight fetch de-duplication and
// best-effort disk persistence in a SQLite database.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	fetch      Fetcher
	fetchAll   ListFetcher
	statePath  string
	logger     *slog.Logger
	metrics    MetricsSink

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	group singleflight.Group

	db *sql.DB
}

// Option configures a Cache.
type Option func(*Cache)

// MaxEntries overrides the default cap of 1000 live entries.
func MaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// TTL overrides the default 24h freshness window.
func TTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// StatePath sets the disk-persistence path for the serialized cache. If
// unset, the cache is memory-only.
func StatePath(path string) Option {
	return func(c *Cache) { c.statePath = path }
}

// WithLogger sets the structured logger used for stale-on-error warnings
// and disk load/save failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// MetricsSink observes cache hit/miss/single-flight events. Implemented by
// a small adapter over the process's real metrics backend; nil disables
// recording.
type MetricsSink interface {
	RecordHit(name string)
	RecordMiss(name string)
	RecordSingleFlight(name string)
}

// WithMetrics records cache hits, misses, and collapsed single-flight
// fetches to sink.
func WithMetrics(sink MetricsSink) Option {
	return func(c *Cache) { c.metrics = sink }
}

// NewCache creates a Cache that calls fetch to populate missing or expired
// entries. If a statePath is configured, New attempts a best-effort load
// from disk; a corrupt file starts the cache empty and logs a warning.
func NewCache(fetch Fetcher, fetchAll ListFetcher, opts ...Option) *Cache {
	c := &Cache{
		maxEntries: 1000,
		ttl:        24 * time.Hour,
		fetch:      fetch,
		fetchAll:   fetchAll,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.statePath != "" {
		if err := c.openDisk(); err != nil {
			c.logger.Warn("schema: open cache database failed, starting empty", "error", err)
		} else {
			c.loadFromDisk()
		}
	}
	return c
}

// Close releases the cache's disk database handle, if one is open.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// GetToolSchema returns the descriptor for name, fetching it if absent or
// past TTL. Two concurrent callers for the same name perform exactly one
// downstream fetch (single-flight); on fetch failure, a stale cached entry
// is returned instead (stale-on-error) with a warning logged; if no entry
// exists at all, the fetch error is returned (fail closed).
func (c *Cache) GetToolSchema(name string) (Descriptor, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok && time.Now().Before(e.expiresAt) {
		c.lru.MoveToFront(e.elem)
		d := e.descriptor.clone()
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordHit(name)
		}
		return d, nil
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordMiss(name)
	}

	v, err, shared := c.group.Do(name, func() (any, error) {
		d, ferr := c.fetch(name)
		if ferr != nil {
			c.mu.Lock()
			stale, ok := c.entries[name]
			c.mu.Unlock()
			if ok {
				c.logger.Warn("schema: fetch failed, serving stale entry", "tool", name, "error", ferr)
				return stale.descriptor.clone(), nil
			}
			return Descriptor{}, ferr
		}
		c.store(name, d)
		return d, nil
	})
	if shared && c.metrics != nil {
		c.metrics.RecordSingleFlight(name)
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("schema: no schema available for %q: %w", name, err)
	}
	return v.(Descriptor), nil
}

// ListAllToolSchemas returns every descriptor known to the downstream
// pool, refreshing the cache with the result.
func (c *Cache) ListAllToolSchemas() ([]Descriptor, error) {
	if c.fetchAll == nil {
		return nil, errors.New("schema: no list-fetcher configured")
	}
	descriptors, err := c.fetchAll()
	if err != nil {
		return nil, err
	}
	for _, d := range descriptors {
		c.store(d.FullName, d)
	}
	return descriptors, nil
}

// Clear empties the cache, including its disk store if one is configured.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.lru = list.New()
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	if _, err := c.db.Exec(`DELETE FROM schema_cache`); err != nil {
		c.logger.Warn("schema: clear cache database failed", "error", err)
	}
}

// Invalidate removes one entry, including its disk row if one is
// configured.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, name)
	}
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	if _, err := c.db.Exec(`DELETE FROM schema_cache WHERE name = ?`, name); err != nil {
		c.logger.Warn("schema: delete cache row failed", "name", name, "error", err)
	}
}

func (c *Cache) store(name string, d Descriptor) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		e.descriptor = d
		e.expiresAt = time.Now().Add(c.ttl)
		c.lru.MoveToFront(e.elem)
	} else {
		el := c.lru.PushFront(name)
		c.entries[name] = &entry{descriptor: d, expiresAt: time.Now().Add(c.ttl), elem: el}
		c.evictLocked()
	}
	c.mu.Unlock()
	c.persistToDisk(name, d)
}

// evictLocked must be called with c.mu held.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		name := back.Value.(string)
		c.lru.Remove(back)
		delete(c.entries, name)
	}
}

const createSchemaCacheTable = `
CREATE TABLE IF NOT EXISTS schema_cache (
	name        TEXT PRIMARY KEY,
	descriptor  TEXT NOT NULL,
	fetched_at  INTEGER NOT NULL
)`

// openDisk opens (creating if needed) the SQLite database backing this
// cache's disk persistence.
func (c *Cache) openDisk() error {
	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o700); err != nil {
		return fmt.Errorf("schema: create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", c.statePath)
	if err != nil {
		return fmt.Errorf("schema: open cache database: %w", err)
	}
	if _, err := db.Exec(createSchemaCacheTable); err != nil {
		db.Close()
		return fmt.Errorf("schema: create cache table: %w", err)
	}
	c.db = db
	return nil
}

// persistToDisk upserts one descriptor's row; failures are logged, never
// returned, since disk persistence is a durability nicety, not a
// correctness requirement.
func (c *Cache) persistToDisk(name string, d Descriptor) {
	if c.db == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		c.logger.Warn("schema: marshal cache entry failed", "name", name, "error", err)
		return
	}
	_, err = c.db.Exec(
		`INSERT INTO schema_cache (name, descriptor, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET descriptor = excluded.descriptor, fetched_at = excluded.fetched_at`,
		name, string(data), d.FetchedAt.UnixNano(),
	)
	if err != nil {
		c.logger.Warn("schema: persist cache entry failed", "name", name, "error", err)
	}
}

// loadFromDisk best-effort loads a persisted cache. A corrupt row or
// missing database leaves the cache empty (or partially filled) and logs a
// warning rather than failing startup.
func (c *Cache) loadFromDisk() {
	rows, err := c.db.Query(`SELECT name, descriptor FROM schema_cache`)
	if err != nil {
		c.logger.Warn("schema: read cache database failed, starting empty", "error", err)
		return
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			c.logger.Warn("schema: scan cache row failed", "error", err)
			continue
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			c.logger.Warn("schema: corrupt cache row, skipping", "name", name, "error", err)
			continue
		}
		el := c.lru.PushFront(name)
		c.entries[name] = &entry{
			descriptor: d,
			expiresAt:  d.FetchedAt.Add(c.ttl),
			elem:       el,
		}
	}
	if err := rows.Err(); err != nil {
		c.logger.Warn("schema: iterate cache rows failed", "error", err)
	}
	c.evictLocked()
}
