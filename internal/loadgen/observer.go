package loadgen

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/mlio-bench/internal/driver"
	"github.com/withObsrvr/mlio-bench/internal/metrics"
	"github.com/withObsrvr/mlio-bench/internal/planner"
	"github.com/withObsrvr/mlio-bench/internal/report"
)

// observer fans one epoch's events out to Prometheus, the async recorder
// and the log. ObserveRead is called from every worker concurrently.
type observer struct {
	metrics   *metrics.Metrics
	recorder  *metrics.Recorder
	logSteps  bool
	log       *slog.Logger
	label     string
	rank      int32
	epoch     int32
	readOrder string

	reads atomic.Int64
	bytes atomic.Int64
}

func (r *Runner) newObserver(log *slog.Logger, e planner.Epoch) *observer {
	return &observer{
		metrics:   r.metrics,
		recorder:  r.recorder,
		logSteps:  r.cfg.Metrics.LogMetrics,
		log:       log,
		label:     r.cfg.Label,
		rank:      int32(r.group.Rank()),
		epoch:     int32(e.Index),
		readOrder: e.ReadOrder,
	}
}

func (o *observer) record(rec metrics.Record) {
	if o.recorder == nil {
		return
	}
	rec.Time = time.Now()
	rec.Label = o.label
	rec.Rank = o.rank
	rec.Epoch = o.epoch
	rec.ReadOrder = o.readOrder
	o.recorder.Record(rec)
}

// ObserveRead implements reader.Observer.
func (o *observer) ObserveRead(strategy string, elapsed time.Duration, n int) {
	o.reads.Add(1)
	o.bytes.Add(int64(n))
	if o.metrics != nil {
		o.metrics.ObserveRead(strategy, elapsed, n)
	}
	o.record(metrics.Record{
		Kind:      metrics.KindRead,
		LatencyMs: float64(elapsed.Microseconds()) / 1000,
		Bytes:     int64(n),
	})
	if o.logSteps {
		o.log.Debug("read", "read_order", strategy, "elapsed", elapsed, "bytes", n)
	}
}

// ObserveStep implements driver.Observer.
func (o *observer) ObserveStep(s driver.StepSummary) {
	if o.metrics != nil {
		o.metrics.ObserveStep(s)
	}
	o.record(metrics.Record{
		Kind:      metrics.KindStep,
		Step:      int32(s.Step),
		LatencyMs: float64(s.Duration.Microseconds()) / 1000,
		Samples:   int32(s.Samples),
	})

	level := slog.LevelDebug
	if o.logSteps {
		level = slog.LevelInfo
	}
	o.log.Log(context.Background(), level, "step", "step", s.Step, "duration", s.Duration, "samples", s.Samples)
}

// ObserveQueueDepth implements driver.Observer.
func (o *observer) ObserveQueueDepth(n int) {
	if o.metrics != nil {
		o.metrics.ObserveQueueDepth(n)
	}
}

func (o *observer) epochDone(es report.EpochSummary, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveEpoch(es.ReadOrder, elapsed, es.Degraded)
	}
	o.record(metrics.Record{
		Kind:      metrics.KindEpoch,
		Step:      int32(es.Steps),
		LatencyMs: float64(elapsed.Microseconds()) / 1000,
		Bytes:     es.BytesRead,
		Samples:   int32(es.Samples),
	})
}
