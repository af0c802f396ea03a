// Package loadgen runs the epoch loop of one rank: plan, read in the
// background, drive steps, then tear the epoch down.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/withObsrvr/mlio-bench/internal/config"
	"github.com/withObsrvr/mlio-bench/internal/driver"
	"github.com/withObsrvr/mlio-bench/internal/group"
	"github.com/withObsrvr/mlio-bench/internal/logging"
	"github.com/withObsrvr/mlio-bench/internal/metrics"
	"github.com/withObsrvr/mlio-bench/internal/pagecache"
	"github.com/withObsrvr/mlio-bench/internal/planner"
	"github.com/withObsrvr/mlio-bench/internal/pool"
	"github.com/withObsrvr/mlio-bench/internal/reader"
	"github.com/withObsrvr/mlio-bench/internal/report"
	"github.com/withObsrvr/mlio-bench/internal/source"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Options carries the optional collaborators of a Runner.
type Options struct {
	Metrics  *metrics.Metrics
	Recorder *metrics.Recorder
	Report   report.Writer
	Rand     *rand.Rand
	Log      *slog.Logger

	// DropCache replaces pagecache.Drop.
	DropCache func() error
}

// Runner is the explicit runtime context of one rank, built once in main.
type Runner struct {
	cfg       config.Config
	sources   *source.Registry
	group     group.Group
	planner   *planner.Planner
	metrics   *metrics.Metrics
	recorder  *metrics.Recorder
	report    report.Writer
	dropCache func() error
	log       *slog.Logger

	summary report.Summary
}

// New creates a runner for the configured epochs.
func New(cfg config.Config, sources *source.Registry, g group.Group, opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = planner.NewRand(cfg.Seed)
	}
	if opts.Report == nil {
		opts.Report = report.NewWriter(cfg.Metrics.ExportMetrics, cfg.ReportFile())
	}
	if opts.DropCache == nil {
		opts.DropCache = pagecache.Drop
	}
	log = logging.Component(log, "loadgen")

	return &Runner{
		cfg:       cfg,
		sources:   sources,
		group:     g,
		planner:   planner.New(cfg, g, opts.Rand, logging.Component(log, "planner")),
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		report:    opts.Report,
		dropCache: opts.DropCache,
		log:       log,
		summary: report.Summary{
			RunID:     logging.NewRunID(),
			Label:     cfg.Label,
			Rank:      g.Rank(),
			GroupSize: g.Size(),
			Settings: report.Settings{
				Steps:        cfg.Steps,
				BatchSize:    cfg.BatchSize,
				SampleSize:   uint64(cfg.SampleSize),
				Threads:      cfg.BackgroundThreads,
				QueueMaxsize: cfg.BackgroundQueueMaxsize,
				ReadOrders:   cfg.ReadOrder,
			},
		},
	}
}

// Run executes every epoch. The first error aborts the run. A run ID carried
// by ctx replaces the generated one.
func (r *Runner) Run(ctx context.Context) error {
	if id := logging.RunID(ctx); id != "" {
		r.summary.RunID = id
	}
	r.summary.StartedAt = time.Now().UTC()
	r.log.Info("starting run",
		"epochs", r.cfg.Epochs,
		"steps", r.cfg.Steps,
		"batch_size", r.cfg.BatchSize,
		"sample_size", r.cfg.SampleSize.String(),
		"threads", r.cfg.BackgroundThreads,
		"queue_maxsize", r.cfg.BackgroundQueueMaxsize,
		"sources", r.sources.Len(),
	)

	for epoch := 0; epoch < r.cfg.Epochs; epoch++ {
		es, err := r.runEpoch(ctx, epoch)
		r.summary.Epochs = append(r.summary.Epochs, es)
		if err != nil {
			r.summary.Error = err.Error()
			return err
		}
	}

	r.log.Info("run complete", "epochs", r.cfg.Epochs)
	return nil
}

func (r *Runner) runEpoch(ctx context.Context, index int) (report.EpochSummary, error) {
	start := time.Now()
	log := logging.EpochLogger(r.log, index)
	es := report.EpochSummary{Index: index}

	e, err := r.planner.PlanEpoch(ctx, index, r.sources)
	if err != nil {
		return es, fmt.Errorf("plan epoch %d: %w", index, err)
	}
	es.Source, es.ReadOrder, es.Objects = e.Source.Name, e.ReadOrder, len(e.Objects)

	e, err = r.planner.PlanSamples(ctx, e)
	if err != nil {
		return es, fmt.Errorf("plan samples for epoch %d: %w", index, err)
	}
	es.Samples, es.Degraded = len(e.Samples), e.Degraded

	strategy, err := reader.ByName(e.ReadOrder)
	if err != nil {
		return es, fmt.Errorf("epoch %d: %w", index, err)
	}

	obs := r.newObserver(log, e)
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan pool.WorkItem, r.cfg.BackgroundQueueMaxsize)
	workers := pool.Start(epochCtx, pool.Config{
		Strategy: strategy,
		Job: reader.Job{
			Objects:    e.Objects,
			Samples:    e.Samples,
			SampleSize: uint64(r.cfg.SampleSize),
			FS:         e.Source.FS,
			Observer:   obs,
		},
		Rank:      r.group.Rank(),
		GroupSize: r.group.Size(),
		Threads:   r.cfg.BackgroundThreads,
		Log:       log,
	}, queue)

	d := &driver.Driver{
		BatchSize: r.cfg.BatchSize,
		Steps:     r.cfg.Steps,
		Threads:   r.cfg.BackgroundThreads,
		Group:     r.group,
		Observer:  obs,
		Log:       log,
	}
	out, runErr := d.Run(epochCtx, queue)

	// Abandon leftover reads once the step budget is spent.
	cancel()
	workers.Shutdown(r.cfg.ShutdownTimeout)

	es.Steps, es.Drained = out.Steps, out.Drained
	es.Reads, es.BytesRead = obs.reads.Load(), obs.bytes.Load()
	elapsed := time.Since(start)
	es.SetDuration(elapsed)

	if runErr != nil {
		if errors.Is(runErr, driver.ErrWorkerFailed) && r.metrics != nil {
			r.metrics.IncWorkerFailures()
		}
		return es, fmt.Errorf("epoch %d: %w", index, runErr)
	}

	obs.epochDone(es, elapsed)
	log.Info("epoch complete",
		"source", es.Source,
		"read_order", es.ReadOrder,
		"objects", es.Objects,
		"samples", es.Samples,
		"steps", es.Steps,
		"drained", es.Drained,
		"reads", es.Reads,
		"bytes", es.BytesRead,
		"duration", elapsed,
		"throughput", es.Throughput,
	)

	if r.cfg.ClearPagecacheAfterEpoch {
		r.clearPageCache(log, e)
	}
	return es, nil
}

// clearPageCache drops the kernel page cache, falling back to per-file
// eviction for local sources when the global drop is not permitted.
func (r *Runner) clearPageCache(log *slog.Logger, e planner.Epoch) {
	err := r.dropCache()
	if err == nil {
		log.Info("dropped page cache")
		return
	}
	if e.Source.FS.Kind() == "local" {
		if evictErr := pagecache.Evict(e.Objects); evictErr == nil {
			log.Info("evicted epoch objects from page cache", "objects", len(e.Objects), "drop_error", err)
			return
		}
	}
	log.Warn("page cache not cleared", "error", err)
}

// Summary returns the run summary collected so far.
func (r *Runner) Summary() report.Summary {
	return r.summary
}

// WriteReport stamps the finish time and persists the summary.
func (r *Runner) WriteReport(ctx context.Context) error {
	r.summary.FinishedAt = time.Now().UTC()
	if err := r.report.Write(ctx, &r.summary); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
