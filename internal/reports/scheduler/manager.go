// Package scheduler runs the supply audit on a cron schedule and raises a
// critical alert for every batch whose credits are not all accounted for.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/alerts"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/internal/reports"
)

// SupplyAuditor computes the supply report
type SupplyAuditor interface {
	Supply(ctx context.Context, filter reports.SupplyFilter) (*reports.SupplyReport, error)
}

// AuditConfig configuration for the audit manager
type AuditConfig struct {
	// Standard five-field cron expression or a descriptor such as "@hourly"
	CronExpression string        `json:"cron_expression"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultAuditConfig returns default configuration
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		CronExpression: "@hourly",
		Timeout:        5 * time.Minute,
	}
}

// AuditManager manages the scheduled supply audit
type AuditManager struct {
	cron    *cron.Cron
	entry   cron.EntryID
	auditor SupplyAuditor
	alerts  alerts.Alerter
	logger  *zap.Logger
	config  AuditConfig
	mu      sync.RWMutex
	running bool
	last    *AuditResult
}

// AuditResult summarizes the most recent audit run
type AuditResult struct {
	RanAt      time.Time `json:"ran_at"`
	Batches    int       `json:"batches"`
	Unbalanced int       `json:"unbalanced"`
	Error      string    `json:"error,omitempty"`
}

// NewAuditManager creates a new audit manager
func NewAuditManager(auditor SupplyAuditor, alerter alerts.Alerter, logger *zap.Logger, config AuditConfig) *AuditManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultAuditConfig()
	if config.CronExpression == "" {
		config.CronExpression = defaults.CronExpression
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &AuditManager{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		auditor: auditor,
		alerts:  alerter,
		logger:  logger,
		config:  config,
	}
}

// Start starts the audit manager
func (m *AuditManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("audit manager already running")
	}

	entry, err := m.cron.AddFunc(m.config.CronExpression, func() {
		runCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
		m.RunOnce(runCtx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	m.entry = entry
	m.running = true
	m.cron.Start()

	m.logger.Info("Supply audit scheduled", zap.String("cron", m.config.CronExpression))
	return nil
}

// Stop stops the audit manager
func (m *AuditManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.logger.Info("Stopping supply audit")
	// a running audit records its result under mu, so wait unlocked
	<-m.cron.Stop().Done()
	m.cron.Remove(m.entry)
}

// RunOnce audits supply now and alerts on every unbalanced batch
func (m *AuditManager) RunOnce(ctx context.Context) *AuditResult {
	result := &AuditResult{RanAt: time.Now().UTC()}
	report, err := m.auditor.Supply(ctx, reports.SupplyFilter{Statuses: []registry.Status{registry.StatusConfirmed}})
	if err != nil {
		m.logger.Error("Supply audit failed", zap.Error(err))
		result.Error = err.Error()
		m.record(result)
		return result
	}

	result.Batches = report.Totals.Batches
	for _, row := range report.Unbalanced() {
		result.Unbalanced++
		accounted := row.Circulating + row.PendingOut + row.Retired
		m.logger.Error("Batch supply out of balance",
			zap.String("batch_id", row.BatchID.String()),
			zap.Int64("minted", row.Minted),
			zap.Int64("accounted", accounted))
		if m.alerts == nil {
			continue
		}
		m.alerts.Critical(ctx, alerts.Alert{
			Key:     "supply:" + row.BatchID.String(),
			Title:   "Batch supply out of balance",
			Message: fmt.Sprintf("Batch %s minted %d credits but %d are accounted for", row.BatchID, row.Minted, accounted),
			Details: map[string]string{
				"batch_id":    row.BatchID.String(),
				"minted":      strconv.FormatInt(row.Minted, 10),
				"circulating": strconv.FormatInt(row.Circulating, 10),
				"pending_out": strconv.FormatInt(row.PendingOut, 10),
				"retired":     strconv.FormatInt(row.Retired, 10),
			},
			TriggerTime: result.RanAt,
		})
	}

	m.logger.Info("Supply audit completed",
		zap.Int("batches", result.Batches),
		zap.Int("unbalanced", result.Unbalanced))
	m.record(result)
	return result
}

func (m *AuditManager) record(result *AuditResult) {
	m.mu.Lock()
	m.last = result
	m.mu.Unlock()
}

// LastResult returns the most recent audit, or nil before the first run
func (m *AuditManager) LastResult() *AuditResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// NextRun returns when the audit runs next, or the zero time when stopped
func (m *AuditManager) NextRun() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return time.Time{}
	}
	return m.cron.Entry(m.entry).Next
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(expr)
	return err
}
