package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	v1 "carbon-scribe/credit-lifecycle/api/v1"
	"carbon-scribe/credit-lifecycle/internal/config"
)

// ReconcileWorker runs reconciliation, the issuance sweep and the supply
// audit without the HTTP surface. It only makes sense against a shared
// Postgres registry and the ledger gateway.
type ReconcileWorker struct {
	api    *v1.API
	logger *zap.Logger
	once   bool
}

func NewReconcileWorker(api *v1.API, logger *zap.Logger, once bool) *ReconcileWorker {
	return &ReconcileWorker{api: api, logger: logger, once: once}
}

// Start blocks until ctx is cancelled, or after a single pass when once is set
func (w *ReconcileWorker) Start(ctx context.Context) error {
	if w.once {
		return w.runOnce(ctx)
	}

	w.logger.Info("Starting reconcile worker")
	if err := w.api.Reconciliation.Start(ctx); err != nil {
		return err
	}
	if err := w.api.Audit.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := w.api.IssuanceWorker.Start(ctx); err != nil {
			w.logger.Error("Issuance sweep exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	w.Stop()
	w.logger.Info("Reconcile worker shutting down")
	return nil
}

func (w *ReconcileWorker) runOnce(ctx context.Context) error {
	start := time.Now()
	w.api.IssuanceWorker.Sweep(ctx)

	summary, err := w.api.Reconciliation.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation pass failed: %w", err)
	}
	audit := w.api.Audit.RunOnce(ctx)

	w.logger.Info("Single pass complete",
		zap.Int("checked", summary.Checked),
		zap.Int("confirmed", summary.Confirmed),
		zap.Int("failed", summary.Failed),
		zap.Int("stale", summary.Stale),
		zap.Int("unbalanced_batches", audit.Unbalanced),
		zap.Duration("duration", time.Since(start)))
	if audit.Error != "" {
		return fmt.Errorf("supply audit failed: %s", audit.Error)
	}
	return nil
}

// Stop stops every scheduled job
func (w *ReconcileWorker) Stop() {
	w.api.IssuanceWorker.Stop()
	w.api.Reconciliation.Stop()
	w.api.Audit.Stop()
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "run a single reconciliation and audit pass, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.Driver != "postgres" || cfg.Ledger.Mode != "gateway" {
		logger.Fatal("Reconcile worker needs the postgres registry and the ledger gateway",
			zap.String("database", cfg.Database.Driver),
			zap.String("ledger", cfg.Ledger.Mode))
	}

	// Create context that cancels on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api, err := v1.SetupAPI(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up worker", zap.Error(err))
	}
	defer api.Close()

	worker := NewReconcileWorker(api, logger, *once)
	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Reconcile worker error", zap.Error(err))
	}
	logger.Info("Reconcile worker stopped")
}
