// Command voiceagent runs the telephony voice agent: the media-stream
// WebSocket endpoint, the carrier webhooks, and the delay-notification
// workflows behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/app"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/audit"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/config"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/observe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voiceagent:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voiceagent",
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("metrics shutdown failed", "error", err)
		}
	}()

	auditor, closeAudit, err := newAuditor(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	a, err := app.New(log, cfg, auditor)
	if err != nil {
		return err
	}

	log.Info("starting voice agent", "port", cfg.Server.Port)
	return a.Run(ctx)
}

// newAuditor picks the Postgres audit store when a DSN is configured and the
// in-memory one otherwise.
func newAuditor(ctx context.Context, log *slog.Logger, cfg config.Config) (audit.Recorder, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Info("no postgres dsn, using in-memory audit store")
		return audit.NewMemory(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := audit.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("audit schema: %w", err)
	}
	log.Info("postgres audit store ready")
	return store, pool.Close, nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}
