// Package metrics holds the Prometheus collectors of the batch processor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tinyledger"

	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeFault     = "fault"
)

// Metrics are registered on the registry passed to New, so every server (and every test) can use its own.
type Metrics struct {
	Batches         *prometheus.CounterVec
	BatchLatency    prometheus.Histogram
	BatchSize       prometheus.Histogram
	Transactions    *prometheus.CounterVec
	SerialFallbacks *prometheus.CounterVec
	Parallelism     prometheus.Histogram
	ProofDuration   *prometheus.HistogramVec
	CommitDuration  prometheus.Histogram
	CommittedSeq    prometheus.Gauge
	WALGCRuns       prometheus.Gauge
	JournalErrors   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "total",
			Help:      "Counter of processed batches by outcome.",
		}, []string{"outcome"}),
		BatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of batch processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Bucketed histogram of transactions per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "total",
			Help:      "Counter of transactions by final status.",
		}, []string{"status"}),
		SerialFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "serial_fallback_total",
			Help:      "Counter of batches re-executed serially, by reason.",
		}, []string{"reason"}),
		Parallelism: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "throughput_factor",
			Help:      "Transactions per sequential execution step of committed batches.",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		}),
		ProofDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prover",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of linearizability proof time by result.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"result"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of durable commit time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}),
		CommittedSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "seq",
			Help:      "Sequence number of the last committed batch.",
		}),
		WALGCRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "wal_gc_runs",
			Help:      "Number of write-ahead log compactions since the store was opened.",
		}),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Counter of batch records the journal failed to store.",
		}),
	}
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(outcome string, size int, latency time.Duration) {
	m.Batches.WithLabelValues(outcome).Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(latency.Seconds())
}

func (m *Metrics) ObserveProof(linearizable bool, d time.Duration) {
	result := "linearizable"
	if !linearizable {
		result = "rejected"
	}
	m.ProofDuration.WithLabelValues(result).Observe(d.Seconds())
}
