// Package metrics provides Prometheus metrics and the async metrics recorder
// for mlio-bench.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/mlio-bench/internal/driver"
)

// Metrics holds all Prometheus metrics for one rank.
type Metrics struct {
	// Read metrics
	ReadDuration *prometheus.HistogramVec
	ReadBytes    *prometheus.CounterVec

	// Step metrics
	StepsTotal   prometheus.Counter
	StepDuration prometheus.Histogram
	SamplesTotal prometheus.Counter

	// Pipeline metrics
	QueueDepth     prometheus.Gauge
	WorkerFailures prometheus.Counter

	// Epoch metrics
	EpochsTotal    *prometheus.CounterVec
	EpochDuration  prometheus.Histogram
	DegradedEpochs prometheus.Counter
}

// New registers every metric on reg. Rank and label become constant labels
// so several ranks can share one scrape target.
func New(namespace string, constLabels prometheus.Labels, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mlio_bench"
	}
	f := promauto.With(reg)

	return &Metrics{
		ReadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "read_duration_seconds",
				Help:        "Latency of individual reads by read order",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
			},
			[]string{"read_order"},
		),
		ReadBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "read_bytes_total",
				Help:        "Bytes returned by reads",
				ConstLabels: constLabels,
			},
			[]string{"read_order"},
		),
		StepsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "steps_total",
				Help:        "Training steps completed",
				ConstLabels: constLabels,
			},
		),
		StepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "step_duration_seconds",
				Help:        "Time to accumulate one batch",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
			},
		),
		SamplesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "samples_total",
				Help:        "Samples consumed by completed steps",
				ConstLabels: constLabels,
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_depth",
				Help:        "Items waiting in the background queue",
				ConstLabels: constLabels,
			},
		),
		WorkerFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "worker_failures_total",
				Help:        "Background workers that ended with an error",
				ConstLabels: constLabels,
			},
		),
		EpochsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "epochs_total",
				Help:        "Epochs completed by read order",
				ConstLabels: constLabels,
			},
			[]string{"read_order"},
		),
		EpochDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "epoch_duration_seconds",
				Help:        "Wall time of one epoch including planning",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
			},
		),
		DegradedEpochs: f.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "degraded_epochs_total",
				Help:        "Epochs whose samples were drawn with replacement",
				ConstLabels: constLabels,
			},
		),
	}
}

// ObserveRead records one completed read.
func (m *Metrics) ObserveRead(strategy string, elapsed time.Duration, bytes int) {
	m.ReadDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	m.ReadBytes.WithLabelValues(strategy).Add(float64(bytes))
}

// ObserveStep records one completed step.
func (m *Metrics) ObserveStep(s driver.StepSummary) {
	m.StepsTotal.Inc()
	m.StepDuration.Observe(s.Duration.Seconds())
	m.SamplesTotal.Add(float64(s.Samples))
}

// ObserveQueueDepth sets the current queue depth.
func (m *Metrics) ObserveQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// IncWorkerFailures increments the worker failure counter.
func (m *Metrics) IncWorkerFailures() {
	m.WorkerFailures.Inc()
}

// ObserveEpoch records a finished epoch.
func (m *Metrics) ObserveEpoch(readOrder string, elapsed time.Duration, degraded bool) {
	m.EpochsTotal.WithLabelValues(readOrder).Inc()
	m.EpochDuration.Observe(elapsed.Seconds())
	if degraded {
		m.DegradedEpochs.Inc()
	}
}

// NewServer builds the HTTP server exposing /metrics and /health.
func NewServer(address string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: address, Handler: mux}
}
