package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianworks/logtap/internal/api"
	"github.com/meridianworks/logtap/internal/auth"
	"github.com/meridianworks/logtap/internal/config"
	"github.com/meridianworks/logtap/internal/emit"
	"github.com/meridianworks/logtap/internal/extract"
	"github.com/meridianworks/logtap/internal/loganalytics"
	"github.com/meridianworks/logtap/internal/state"
)

func main() {
	cfgPath := os.Getenv("LOGTAP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.json"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("logtap starting", "workspace", cfg.WorkspaceID, "queries", len(cfg.Queries))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential selection follows the workspace id: the demo workspace
	// authenticates with a static key, anything else via AAD.
	cred, err := auth.For(cfg.WorkspaceID)
	if err != nil {
		slog.Error("failed to build credential", "error", err)
		os.Exit(1)
	}
	client := loganalytics.NewClient(cfg.Endpoint, cred)

	// State backend: Postgres when a database is configured, otherwise
	// a local JSON file.
	var marks state.Store
	if cfg.DatabaseURL != "" {
		marks, err = state.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open postgres state", "error", err)
			os.Exit(1)
		}
		slog.Info("state backend ready", "backend", "postgres")
	} else {
		marks, err = state.OpenFile(cfg.StatePath)
		if err != nil {
			slog.Error("failed to open state file", "path", cfg.StatePath, "error", err)
			os.Exit(1)
		}
		slog.Info("state backend ready", "backend", "file", "path", cfg.StatePath)
	}
	defer marks.Close()

	// Optional NATS mirror of the emitted message stream.
	var sink emit.Sink
	if cfg.NatsURL != "" && cfg.NatsSubject != "" {
		pub, err := emit.NewPublisher(cfg.NatsURL, cfg.NatsToken, cfg.NatsSubject, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		sink = pub
		slog.Info("NATS mirror ready", "subject", cfg.NatsSubject)
	}

	streams := extract.DiscoverStreams(cfg, client, marks, slog.Default())
	if len(streams) == 0 {
		slog.Error("no valid streams discovered")
		os.Exit(1)
	}

	writer := emit.NewWriter(os.Stdout, sink)
	runner := extract.NewRunner(streams, writer, marks, slog.Default())

	// Optional status server for containerized runs.
	if cfg.Port > 0 {
		srv := api.NewServer(cfg.Port, runner.Status)
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	// Cancel the run on SIGINT/SIGTERM; progress persisted so far is
	// the resume point for the next run.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		slog.Error("sync failed", "error", err)
		os.Exit(1)
	}
	slog.Info("logtap finished")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Records go to stdout; logs go to stderr so the two never mix.
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
