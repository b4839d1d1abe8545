package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	imports       *prometheus.CounterVec
	records       *prometheus.CounterVec
	stagedRecords prometheus.Counter
	batches       prometheus.Counter
	batchRetries  prometheus.Counter
	importSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vuln_tracker",
				Name:      "imports_total",
				Help:      "Total number of imports by outcome",
			},
			[]string{"status"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vuln_tracker",
				Name:      "reconciled_records_total",
				Help:      "Total number of reconciled records by outcome",
			},
			[]string{"outcome"},
		),
		stagedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vuln_tracker",
			Name:      "staged_records_total",
			Help:      "Total number of records written to staging",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vuln_tracker",
			Name:      "batches_total",
			Help:      "Total number of committed reconciliation batches",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vuln_tracker",
			Name:      "batch_retries_total",
			Help:      "Total number of retried batch transactions",
		}),
		importSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vuln_tracker",
			Name:      "import_duration_seconds",
			Help:      "Duration of complete imports",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.imports, m.records, m.stagedRecords, m.batches, m.batchRetries, m.importSeconds)
	}
	return m
}

func (m *Metrics) importFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(status).Inc()
	if status == "success" {
		m.importSeconds.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(outcome).Inc()
}

func (m *Metrics) staged(n int) {
	if m == nil {
		return
	}
	m.stagedRecords.Add(float64(n))
}

func (m *Metrics) batchCommitted() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

func (m *Metrics) batchRetried() {
	if m == nil {
		return
	}
	m.batchRetries.Inc()
}
