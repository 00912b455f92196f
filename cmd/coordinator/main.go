package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "carbon-scribe/credit-lifecycle/api/v1"
	"carbon-scribe/credit-lifecycle/internal/config"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := v1.SetupAPI(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up coordinator", zap.Error(err))
	}
	defer func() {
		if err := api.Close(); err != nil {
			logger.Warn("Error releasing resources", zap.Error(err))
		}
	}()

	logger.Info("Coordinator configured",
		zap.String("database", cfg.Database.Driver),
		zap.String("ledger", cfg.Ledger.Mode),
		zap.String("documents", cfg.Documents.Mode),
		zap.Bool("journal", cfg.Journal.Table != ""))

	// Background workers
	go func() {
		if err := api.IssuanceWorker.Start(ctx); err != nil {
			logger.Error("Issuance worker exited", zap.Error(err))
		}
	}()
	if err := api.Reconciliation.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciliation loop", zap.Error(err))
	}
	if err := api.Audit.Start(ctx); err != nil {
		logger.Fatal("Failed to start supply audit", zap.Error(err))
	}

	gin.SetMode(cfg.Server.GinMode)
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      api.NewRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()
	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	api.IssuanceWorker.Stop()
	api.Reconciliation.Stop()
	api.Audit.Stop()

	logger.Info("Server exiting")
}
