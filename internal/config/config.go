// Package config loads the orchestrator's configuration: defaults, then a
// TOML file discovered on a precedence chain, then ORCH_*-prefixed
// environment variable overrides, with each layer overriding only the
// fields it sets.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is every tunable the orchestrator's components accept at startup.
type Config struct {
	RateLimit     RateLimitConfig     `toml:"rate_limit"`
	Breaker       BreakerConfig       `toml:"breaker"`
	Queue         QueueConfig         `toml:"queue"`
	Schema        SchemaConfig        `toml:"schema"`
	Audit         AuditConfig         `toml:"audit"`
	Downstream    DownstreamConfig    `toml:"downstream"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Server        ServerConfig        `toml:"server"`
	Shutdown      ShutdownConfig      `toml:"shutdown"`
	Observability ObservabilityConfig `toml:"observability"`
}

// RateLimitConfig tunes C3's per-client token bucket.
type RateLimitConfig struct {
	MaxRequests int           `toml:"max_requests"`
	Window      time.Duration `toml:"window"`
	Burst       int           `toml:"burst"`
	IdleAfter   time.Duration `toml:"idle_after"`
}

// BreakerConfig tunes C6's default per-server circuit.
type BreakerConfig struct {
	Threshold int           `toml:"threshold"`
	Cooldown  time.Duration `toml:"cooldown"`
}

// QueueConfig tunes C7's bounded admission queue.
type QueueConfig struct {
	MaxSize      int           `toml:"max_size"`
	MaxQueueWait time.Duration `toml:"max_queue_wait"`
}

// SchemaConfig tunes C5's LRU+TTL schema cache.
type SchemaConfig struct {
	MaxEntries int           `toml:"max_entries"`
	TTL        time.Duration `toml:"ttl"`
	StatePath  string        `toml:"state_path"`
}

// AuditConfig tunes C2's daily-rotated JSONL log.
type AuditConfig struct {
	StateDir      string `toml:"state_dir"`
	RetentionDays int    `toml:"retention_days"`
}

// DownstreamConfig tunes C8's connection pool and lists the servers it
// connects to at startup.
type DownstreamConfig struct {
	MaxConcurrent int                      `toml:"max_concurrent"`
	Servers       []DownstreamServerConfig `toml:"servers"`
}

// DownstreamServerConfig describes one downstream tool server to register
// with the pool. Transport is "subprocess" or "streaming-http".
type DownstreamServerConfig struct {
	Name      string   `toml:"name"`
	Transport string   `toml:"transport"`
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	Env       []string `toml:"env"`
	URL       string   `toml:"url"`
}

// SandboxConfig tunes C10's supervisor and lists the engines available to
// an ExecuteRequest's Language field.
type SandboxConfig struct {
	DefaultTimeout    time.Duration  `toml:"default_timeout"`
	MaxCaptureBytes   int            `toml:"max_capture_bytes"`
	WASMEngineEnabled bool           `toml:"wasm_engine_enabled"`
	Engines           []EngineConfig `toml:"engines"`
}

// EngineConfig describes one runnable sandbox engine, keyed by the
// ExecuteRequest Language it answers to.
type EngineConfig struct {
	Language string   `toml:"language"`
	Engine   string   `toml:"engine"` // "script" or "wasm"
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
}

// ServerConfig tunes C12's front-ends.
type ServerConfig struct {
	StdioEnabled bool   `toml:"stdio_enabled"`
	HTTPAddr     string `toml:"http_addr"`
}

// ShutdownConfig tunes C13's drain deadline.
type ShutdownConfig struct {
	Deadline time.Duration `toml:"deadline"`
}

// ObservabilityConfig toggles OTEL wiring.
type ObservabilityConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with every field set to its documented default.
func Default() Config {
	return Config{
		RateLimit: RateLimitConfig{
			MaxRequests: 30,
			Window:      time.Minute,
			Burst:       30,
			IdleAfter:   2 * time.Minute,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  30 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:      200,
			MaxQueueWait: 30 * time.Second,
		},
		Schema: SchemaConfig{
			MaxEntries: 1000,
			TTL:        24 * time.Hour,
			StatePath:  defaultStatePath("schema-cache.json"),
		},
		Audit: AuditConfig{
			StateDir:      defaultStateDir(),
			RetentionDays: 30,
		},
		Downstream: DownstreamConfig{
			MaxConcurrent: 100,
		},
		Sandbox: SandboxConfig{
			DefaultTimeout:    30 * time.Second,
			MaxCaptureBytes:   4 << 20,
			WASMEngineEnabled: false,
			Engines: []EngineConfig{
				{Language: "python", Engine: "script", Command: "python3"},
				{Language: "node", Engine: "script", Command: "node"},
			},
		},
		Server: ServerConfig{
			StdioEnabled: true,
			HTTPAddr:     "127.0.0.1:8089",
		},
		Shutdown: ShutdownConfig{
			Deadline: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			Enabled: false,
		},
	}
}

func defaultStateDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".local", "state", "orchestrator")
}

func defaultStatePath(name string) string {
	return filepath.Join(defaultStateDir(), name)
}

// searchPaths returns the TOML config discovery chain, in precedence order:
// project-level ./orchestrator.toml, then $HOME/.config/orchestrator, then
// the XDG config dir. The first file found on this chain is the one used;
// earlier entries win.
func searchPaths() []string {
	paths := []string{"orchestrator.toml"}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "orchestrator", "config.toml"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "orchestrator", "config.toml"))
	}
	return paths
}

// Load reads config: defaults -> first TOML file found on the precedence
// chain (or an explicit path, if non-empty) -> ORCH_*-prefixed env vars,
// with each layer overriding only the fields it sets.
func Load(path string) Config {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = searchPaths()
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		_ = toml.Unmarshal(data, &cfg)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCH_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("ORCH_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = d
		}
	}
	if v := os.Getenv("ORCH_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("ORCH_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.Cooldown = d
		}
	}
	if v := os.Getenv("ORCH_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxSize = n
		}
	}
	if v := os.Getenv("ORCH_DOWNSTREAM_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Downstream.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ORCH_SANDBOX_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.DefaultTimeout = d
		}
	}
	if os.Getenv("ORCH_WASM_ENGINE_ENABLED") == "true" || os.Getenv("ORCH_WASM_ENGINE_ENABLED") == "1" {
		cfg.Sandbox.WASMEngineEnabled = true
	}
	if v := os.Getenv("ORCH_SERVER_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("ORCH_AUDIT_STATE_DIR"); v != "" {
		cfg.Audit.StateDir = v
	}
	if os.Getenv("ORCH_OBSERVABILITY_ENABLED") == "true" || os.Getenv("ORCH_OBSERVABILITY_ENABLED") == "1" {
		cfg.Observability.Enabled = true
	}
}
