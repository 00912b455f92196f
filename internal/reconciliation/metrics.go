package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the reconciliation loop.
type Metrics struct {
	// Ticks run, by result
	Ticks *prometheus.CounterVec

	// Per-operation outcomes by kind and outcome
	Outcomes *prometheus.CounterVec

	// Operations pending past the stale threshold, by kind
	StaleOperations *prometheus.CounterVec

	// Compensations that could not be written, by kind
	CompensationFailures *prometheus.CounterVec

	// Operations still pending after the last tick, by kind
	Pending *prometheus.GaugeVec

	TickDuration prometheus.Histogram
}

// NewMetrics registers the reconciliation metrics with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_reconciliation_ticks_total",
			Help: "Reconciliation ticks by result",
		}, []string{"result"}), // result: "ok", "error"

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_reconciliation_outcomes_total",
			Help: "Reconciled operations by kind and outcome",
		}, []string{"kind", "outcome"}),

		StaleOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_stale_operations_total",
			Help: "Ledger operations pending past the stale threshold",
		}, []string{"kind"}),

		CompensationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_compensation_failures_total",
			Help: "Compensating writes that failed against the registry",
		}, []string{"kind"}),

		Pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_pending_operations",
			Help: "Operations awaiting ledger finality",
		}, []string{"kind"}),

		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_reconciliation_tick_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *Metrics) incTick(result string) {
	if m != nil {
		m.Ticks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incOutcome(kind, outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) incStale(kind string) {
	if m != nil {
		m.StaleOperations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incCompensationFailure(kind string) {
	if m != nil {
		m.CompensationFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) setPending(kind string, n int) {
	if m != nil {
		m.Pending.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) observeTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}
