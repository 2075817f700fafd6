package observability

import (
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Transaction outcome labels.
const (
	OutcomeApproved     = "approved"
	OutcomeFlagged      = "flagged"
	OutcomeFraudBlocked = "fraud_blocked"
	OutcomeInsufficient = "insufficient_funds"
	OutcomeCardInactive = "card_inactive"
	OutcomeLockTimeout  = "lock_timeout"
	OutcomeError        = "error"
)

// Reconciliation outcome labels.
const (
	ReconcileVerified   = "verified"
	ReconcileUnverified = "unverified"
	ReconcileNoMatch    = "no_match"
	ReconcileFailed     = "failed"
	ReconcileDuplicate  = "duplicate"
	ReconcileRetried    = "retried"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	fraudVerdicts   *prometheus.CounterVec
	lockWait        prometheus.Histogram
	reconciliations *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corpspend_request_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpspend_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpspend_transactions_total",
				Help: "Transaction attempts by outcome.",
			},
			[]string{"outcome"},
		),
		fraudVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpspend_fraud_verdicts_total",
				Help: "Fraud engine verdicts.",
			},
			[]string{"verdict"},
		),
		lockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "corpspend_lock_wait_seconds",
				Help:    "Time spent waiting for a card lock.",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
			},
		),
		reconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpspend_reconciliations_total",
				Help: "Receipt reconciliation tasks by outcome.",
			},
			[]string{"outcome"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "corpspend_task_queue_depth",
				Help: "Receipt tasks waiting for a worker.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrTransaction counts a transaction attempt by outcome.
func (m *Metrics) IncrTransaction(outcome string) {
	m.transactions.WithLabelValues(outcome).Inc()
}

// IncrFraudVerdict counts a fraud verdict.
func (m *Metrics) IncrFraudVerdict(kind domain.VerdictKind) {
	m.fraudVerdicts.WithLabelValues(string(kind)).Inc()
}

// ObserveLockWait records how long a caller waited on a card lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.lockWait.Observe(d.Seconds())
}

// IncrReconciliation counts a reconciliation outcome.
func (m *Metrics) IncrReconciliation(outcome string) {
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// SetQueueDepth reports the current task backlog.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Snapshot returns cumulative ledger counters for GET /v1/metrics/ledger.
func (m *Metrics) Snapshot() *domain.LedgerMetrics {
	approved := getCounterValue(m.transactions, OutcomeApproved)
	flagged := getCounterValue(m.transactions, OutcomeFlagged)
	declined := getCounterValue(m.transactions, OutcomeFraudBlocked) +
		getCounterValue(m.transactions, OutcomeInsufficient) +
		getCounterValue(m.transactions, OutcomeCardInactive)
	timeouts := getCounterValue(m.transactions, OutcomeLockTimeout)

	verified := getCounterValue(m.reconciliations, ReconcileVerified)
	unverified := getCounterValue(m.reconciliations, ReconcileUnverified) +
		getCounterValue(m.reconciliations, ReconcileNoMatch)
	failed := getCounterValue(m.reconciliations, ReconcileFailed)

	approvalRate := float64(0)
	if total := approved + flagged + declined; total > 0 {
		approvalRate = (approved + flagged) / total
	}

	return &domain.LedgerMetrics{
		Approved:             int64(approved),
		Flagged:              int64(flagged),
		Declined:             int64(declined),
		LockTimeouts:         int64(timeouts),
		ApprovalRate:         approvalRate,
		ReceiptsVerified:     int64(verified),
		ReceiptsUnverified:   int64(unverified),
		ReconciliationFailed: int64(failed),
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
