package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rvidal/preceptor/internal/definition"
	"github.com/rvidal/preceptor/internal/logging"
	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/internal/sweep"
	"github.com/rvidal/preceptor/pkg/schema"
)

// logNotifier reports due review items through the structured log.
// Delivery channels (mail, push) plug in by replacing this.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) NotifyDue(ctx context.Context, ownerID string, items []*schema.ReviewItem) error {
	n.logger.InfoContext(ctx, "review items due",
		"owner_id", ownerID,
		"count", len(items))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "preceptor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	defs := definition.NewRegistry()
	if err := definition.NewLoader().LoadDir(cfg.DefinitionsDir, defs); err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}

	sweeper, err := sweep.New(st, &logNotifier{logger: logger}, cfg.SweepCron, logger)
	if err != nil {
		return fmt.Errorf("creating sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	logger.Info("preceptor started",
		"db_path", cfg.DBPath,
		"sweep_cron", cfg.SweepCron,
		"workflow_types", len(defs.List()))

	<-ctx.Done()
	logger.Info("shutting down")
	return sweeper.Stop()
}

func newLogger(level string) *slog.Logger {
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
