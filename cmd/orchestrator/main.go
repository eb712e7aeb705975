// Command orchestrator is the reference tool-call broker server.
//
// It loads configuration, connects to every configured downstream tool
// server, and exposes the execute operation over stdio and HTTP. Every
// tool call a running sandbox issues is rate-limited, admission-controlled,
// circuit-broken, schema-validated, and routed to the right downstream
// connection; every outcome lands in an append-only audit log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	orchestrator "github.com/relaymesh/toolbroker"
	"github.com/relaymesh/toolbroker/audit"
	"github.com/relaymesh/toolbroker/breaker"
	"github.com/relaymesh/toolbroker/bridge"
	"github.com/relaymesh/toolbroker/downstream"
	"github.com/relaymesh/toolbroker/filter"
	"github.com/relaymesh/toolbroker/internal/config"
	"github.com/relaymesh/toolbroker/observability"
	"github.com/relaymesh/toolbroker/queue"
	"github.com/relaymesh/toolbroker/ratelimit"
	"github.com/relaymesh/toolbroker/sandbox"
	"github.com/relaymesh/toolbroker/schema"
	"github.com/relaymesh/toolbroker/server"
	"github.com/relaymesh/toolbroker/shutdown"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[orchestrator] ")

	var cfgPath string
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg := config.Load(cfgPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx := context.Background()
	var otelShutdown func(context.Context) error
	var instruments *observability.Instruments
	if cfg.Observability.Enabled {
		inst, shut, err := observability.Init(ctx)
		if err != nil {
			log.Fatalf("observability init: %v", err)
		}
		instruments = inst
		otelShutdown = shut
	}

	auditLog, err := audit.Open(cfg.Audit.StateDir, audit.RetentionDays(cfg.Audit.RetentionDays), audit.Logger(logger))
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	pool := downstream.NewPool(cfg.Downstream.MaxConcurrent)
	for _, sc := range cfg.Downstream.Servers {
		transport, err := buildTransport(sc)
		if err != nil {
			log.Fatalf("downstream %s: %v", sc.Name, err)
		}
		if err := pool.Register(ctx, sc.Name, transport); err != nil {
			log.Fatalf("downstream %s: register: %v", sc.Name, err)
		}
	}

	schemaOpts := []schema.Option{
		schema.MaxEntries(cfg.Schema.MaxEntries),
		schema.TTL(cfg.Schema.TTL),
		schema.StatePath(cfg.Schema.StatePath),
		schema.WithLogger(logger),
	}
	breakerOpts := []breaker.Option{}
	if instruments != nil {
		pool.WithMetrics(instruments.DownstreamMetrics())
		schemaOpts = append(schemaOpts, schema.WithMetrics(instruments.SchemaMetrics()))
		breakerOpts = append(breakerOpts, breaker.WithMetrics(instruments.BreakerMetrics()))
	}

	schemaCache := schema.NewCache(schemaFetcher(pool), schemaListFetcher(pool), schemaOpts...)

	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		RateLimiter:  ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, cfg.RateLimit.Burst, cfg.RateLimit.IdleAfter),
		Breaker:      breaker.NewRegistry(breaker.Config{Threshold: cfg.Breaker.Threshold, Cooldown: cfg.Breaker.Cooldown}, breakerOpts...),
		Schemas:      schemaCache,
		Validator:    schema.NewValidator(),
		Downstream:   pool,
		Queue:        queue.New(cfg.Queue.MaxSize),
		Audit:        auditLog,
		MaxQueueWait: cfg.Queue.MaxQueueWait,
		Instruments:  instruments,
	})

	supervisor := sandbox.New(cfg.Sandbox.MaxCaptureBytes)
	if instruments != nil {
		supervisor.WithMetrics(instruments.SandboxMetrics())
	}
	br := bridge.New(bridge.WithAudit(auditLog))
	if _, err := br.Start(); err != nil {
		log.Fatalf("bridge: %v", err)
	}

	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		Dispatcher:        dispatcher,
		Pool:              pool,
		Bridge:            br,
		Supervisor:        supervisor,
		Engines:           buildEngines(cfg.Sandbox.Engines),
		WASMEngineEnabled: cfg.Sandbox.WASMEngineEnabled,
		DefaultTimeout:    cfg.Sandbox.DefaultTimeout,
		Redactor:          filter.New(),
	})

	var stdioSrv *server.StdioServer
	if cfg.Server.StdioEnabled {
		stdioSrv = server.NewStdioServer(svc, os.Stdin, os.Stdout)
		go func() {
			if err := stdioSrv.Serve(ctx); err != nil {
				logger.Error("stdio server exited", "error", err)
			}
		}()
	}

	httpSrv := server.NewHTTPServer(svc, cfg.Server.HTTPAddr)
	go func() {
		logger.Info("listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil {
			logger.Error("http server exited", "error", err)
		}
	}()

	coordinator := shutdown.New(cfg.Shutdown.Deadline, logger)
	if stdioSrv != nil {
		coordinator.Register("stop-accepting-stdio", func(ctx context.Context) error {
			stdioSrv.StopAccepting()
			return nil
		})
	}
	coordinator.Register("stop-accepting-http", func(ctx context.Context) error {
		httpSrv.StopAccepting()
		return nil
	})
	coordinator.Register("close-bridge", func(ctx context.Context) error {
		return br.Close()
	})
	coordinator.Register("shutdown-http", func(ctx context.Context) error {
		return httpSrv.Shutdown(ctx)
	})
	coordinator.Register("drain-downstream-pool", func(ctx context.Context) error {
		return pool.CloseAll()
	})
	coordinator.Register("flush-audit", func(ctx context.Context) error {
		return auditLog.Sweep()
	})
	coordinator.Register("close-schema-cache", func(ctx context.Context) error {
		return schemaCache.Close()
	})
	if otelShutdown != nil {
		coordinator.Register("shutdown-observability", otelShutdown)
	}

	if err := coordinator.WaitForSignal(ctx); err != nil {
		logger.Error("shutdown completed with errors", "error", err)
	}
	log.Println("stopped")
}

func buildTransport(sc config.DownstreamServerConfig) (downstream.Transport, error) {
	switch sc.Transport {
	case "subprocess":
		return downstream.NewSubprocessTransport(sc.Command, sc.Args, sc.Env), nil
	case "streaming-http":
		return downstream.NewHTTPTransport(sc.URL), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", sc.Transport)
	}
}

func buildEngines(entries []config.EngineConfig) map[string]orchestrator.EngineBinary {
	out := make(map[string]orchestrator.EngineBinary, len(entries))
	for _, e := range entries {
		engine := sandbox.EngineScript
		if e.Engine == "wasm" {
			engine = sandbox.EngineWASM
		}
		out[e.Language] = orchestrator.EngineBinary{Engine: engine, Command: e.Command, Args: e.Args}
	}
	return out
}

func schemaFetcher(pool *downstream.Pool) schema.Fetcher {
	return func(toolName string) (schema.Descriptor, error) {
		serverName, _, err := downstream.ParseToolName(toolName)
		if err != nil {
			return schema.Descriptor{}, err
		}
		descs, err := pool.ListTools(context.Background(), serverName)
		if err != nil {
			return schema.Descriptor{}, err
		}
		for _, d := range descs {
			if d.FullName == toolName {
				return toSchemaDescriptor(d), nil
			}
		}
		return schema.Descriptor{}, fmt.Errorf("schema: tool %q not found on server %q", toolName, serverName)
	}
}

func schemaListFetcher(pool *downstream.Pool) schema.ListFetcher {
	return func() ([]schema.Descriptor, error) {
		descs, err := pool.ListAllTools(context.Background())
		if err != nil && len(descs) == 0 {
			return nil, err
		}
		out := make([]schema.Descriptor, len(descs))
		for i, d := range descs {
			out[i] = toSchemaDescriptor(d)
		}
		return out, nil
	}
}

func toSchemaDescriptor(d downstream.ToolDescriptor) schema.Descriptor {
	return schema.Descriptor{
		FullName:    d.FullName,
		ServerName:  d.ServerName,
		Name:        d.Name,
		Description: d.Description,
		InputSchema: json.RawMessage(append([]byte(nil), d.InputSchema...)),
		FetchedAt:   d.FetchedAt.Local(),
	}
}
