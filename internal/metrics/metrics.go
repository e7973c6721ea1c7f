package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mentorledger"

// Metrics implements the processor, idempotency and settlement observers.
// A nil *Metrics is a valid no-op.
type Metrics struct {
	operationsTotal     *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	retriesTotal        *prometheus.CounterVec
	haltsTotal          prometheus.Counter
	idempotencyBegins   *prometheus.CounterVec
	cleanupRunsTotal    *prometheus.CounterVec
	cleanupDeletedTotal prometheus.Counter
	cleanupLastRunUnix  prometheus.Gauge
	settlementRuns      *prometheus.CounterVec
	settlementReleased  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Ledger operation latency including idempotency and lock waits.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),
		retriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Automatic retries of transient ledger failures.",
			},
			[]string{"op"},
		),
		haltsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "halts_total",
				Help:      "Times the processor stopped accepting mutations after an invariant violation.",
			},
		),
		idempotencyBegins: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_idempotency",
				Name:      "begins_total",
				Help:      "Idempotency guard outcomes.",
			},
			[]string{"outcome"},
		),
		cleanupRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_idempotency",
				Name:      "cleanup_runs_total",
				Help:      "Total cleanup runs partitioned by result.",
			},
			[]string{"result"},
		),
		cleanupDeletedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_idempotency",
				Name:      "cleanup_deleted_total",
				Help:      "Total number of expired idempotency keys deleted.",
			},
		),
		cleanupLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger_idempotency",
				Name:      "cleanup_last_run_unix",
				Help:      "Unix time of the most recent cleanup run.",
			},
		),
		settlementRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Settlement sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		settlementReleased: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "sessions_released_total",
				Help:      "Sessions whose mentor earnings were released by the settlement worker.",
			},
		),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveHalt() {
	if m == nil {
		return
	}
	m.haltsTotal.Inc()
}

func (m *Metrics) ObserveIdempotencyBegin(outcome string) {
	if m == nil {
		return
	}
	m.idempotencyBegins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIdempotencyCleanup(deleted int64, err error) {
	if m == nil {
		return
	}
	m.cleanupLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.cleanupRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.cleanupRunsTotal.WithLabelValues("success").Inc()
	if deleted > 0 {
		m.cleanupDeletedTotal.Add(float64(deleted))
	}
}

func (m *Metrics) ObserveSettlement(released int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.settlementRuns.WithLabelValues("error").Inc()
	} else {
		m.settlementRuns.WithLabelValues("success").Inc()
	}
	if released > 0 {
		m.settlementReleased.Add(float64(released))
	}
}
