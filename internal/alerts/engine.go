// Package alerts raises operator alerts for stuck ledger operations and for
// failed compensations.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operator-facing signal. Key groups repeats of the same
// condition for cooldown purposes.
type Alert struct {
	Key         string            `json:"key"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Details     map[string]string `json:"details,omitempty"`
	TriggerTime time.Time         `json:"trigger_time"`
}

// Alerter is what the reconciliation loop talks to
type Alerter interface {
	Warn(ctx context.Context, alert Alert)
	Critical(ctx context.Context, alert Alert)
}

// Sink delivers an alert to one channel
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Engine applies a per-key cooldown and fans out to every sink. Critical
// alerts bypass the cooldown.
type Engine struct {
	sinks    []Sink
	cooldown time.Duration
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewEngine creates an alert engine
func NewEngine(cooldown time.Duration, logger *zap.Logger, sinks ...Sink) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sinks:    sinks,
		cooldown: cooldown,
		logger:   logger,
		clock:    time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (e *Engine) Warn(ctx context.Context, alert Alert) {
	alert.Severity = SeverityWarning
	if e.inCooldown(alert.Key) {
		e.logger.Debug("Alert in cooldown", zap.String("key", alert.Key))
		return
	}
	e.dispatch(ctx, alert)
}

func (e *Engine) Critical(ctx context.Context, alert Alert) {
	alert.Severity = SeverityCritical
	e.inCooldown(alert.Key)
	e.dispatch(ctx, alert)
}

// inCooldown reports whether key fired recently and, if not, starts its cooldown
func (e *Engine) inCooldown(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	if last, ok := e.lastSent[key]; ok && now.Sub(last) < e.cooldown {
		return true
	}
	e.lastSent[key] = now
	return false
}

func (e *Engine) dispatch(ctx context.Context, alert Alert) {
	if alert.TriggerTime.IsZero() {
		alert.TriggerTime = e.clock().UTC()
	}
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Error("Failed to deliver alert",
			zap.String("key", alert.Key),
			zap.String("severity", string(alert.Severity)),
			zap.Error(err))
	}
}

// LogSink writes alerts to the structured log
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("key", alert.Key),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.Any("details", alert.Details),
	}
	if alert.Severity == SeverityCritical {
		s.logger.Error("ALERT", fields...)
	} else {
		s.logger.Warn("ALERT", fields...)
	}
	return nil
}
