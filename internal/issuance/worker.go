package issuance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

// Issuer is the part of the Coordinator the worker drives
type Issuer interface {
	Issue(ctx context.Context, projectID uuid.UUID) (*Result, error)
}

// WorkerConfig configuration for the issuance worker
type WorkerConfig struct {
	QueueSize     int
	MaxConcurrent int
	// SweepInterval is how often approved projects without a batch are
	// picked up. It covers approvals lost to a full queue or a restart.
	SweepInterval time.Duration
	// SweepLimit caps the approved projects scanned per sweep; 0 scans all
	SweepLimit int
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		QueueSize:     256,
		MaxConcurrent: 4,
		SweepInterval: time.Minute,
	}
}

// Worker issues credits for approved projects. It implements
// verification.IssuanceQueue.
type Worker struct {
	issuer Issuer
	store  registry.Reader
	logger *zap.Logger
	config WorkerConfig

	queue chan uuid.UUID
	done  chan struct{}
	once  sync.Once
}

func NewWorker(issuer Issuer, store registry.Reader, logger *zap.Logger, config WorkerConfig) *Worker {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultWorkerConfig().QueueSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		issuer: issuer,
		store:  store,
		logger: logger,
		config: config,
		queue:  make(chan uuid.UUID, config.QueueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue never blocks. A project dropped here is found by the next sweep.
func (w *Worker) Enqueue(_ context.Context, projectID uuid.UUID) {
	select {
	case w.queue <- projectID:
	default:
		w.logger.Warn("Issuance queue full, deferring to sweep", zap.String("project_id", projectID.String()))
	}
}

// Start consumes the queue until ctx is done or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting issuance worker",
		zap.Int("max_concurrent", w.config.MaxConcurrent),
		zap.Duration("sweep_interval", w.config.SweepInterval))

	var sweep <-chan time.Time
	if w.config.SweepInterval > 0 {
		ticker := time.NewTicker(w.config.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
		w.Sweep(ctx)
	}

	sem := make(chan struct{}, w.config.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Issuance worker shutting down")
			return nil
		case <-w.done:
			w.logger.Info("Issuance worker stopped")
			return nil
		case <-sweep:
			w.Sweep(ctx)
		case projectID := <-w.queue:
			sem <- struct{}{}
			wg.Add(1)
			go func(id uuid.UUID) {
				defer func() { <-sem; wg.Done() }()
				w.issue(ctx, id)
			}(projectID)
		}
	}
}

// Stop stops the worker
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.done) })
}

// Sweep issues every approved project that has no batch yet
func (w *Worker) Sweep(ctx context.Context) {
	approved := registry.ProjectStatusApproved
	projects, err := w.store.ListProjects(ctx, registry.ProjectFilter{Status: &approved, Limit: w.config.SweepLimit})
	if err != nil {
		w.logger.Error("Failed to list approved projects", zap.Error(err))
		return
	}
	for _, p := range projects {
		_, err := w.store.GetBatchByProject(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, registry.ErrNotFound) {
			w.logger.Error("Failed to look up batch", zap.String("project_id", p.ID.String()), zap.Error(err))
			continue
		}
		w.issue(ctx, p.ID)
	}
}

func (w *Worker) issue(ctx context.Context, projectID uuid.UUID) {
	res, err := w.issuer.Issue(ctx, projectID)
	switch {
	case err == nil:
		w.logger.Info("Issued credits for approved project",
			zap.String("project_id", projectID.String()),
			zap.String("batch_id", res.Batch.ID.String()),
			zap.Bool("duplicate", res.Duplicate))
	case errors.Is(err, lifecycle.ErrSynchronousRejection):
		w.logger.Warn("Ledger rejected mint", zap.String("project_id", projectID.String()), zap.Error(err))
	default:
		w.logger.Error("Failed to issue credits", zap.String("project_id", projectID.String()), zap.Error(err))
	}
}
