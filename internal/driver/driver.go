// Package driver consumes the background queue, groups reads into batches
// and keeps every rank in step with a barrier per batch.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/mlio-bench/internal/group"
	"github.com/withObsrvr/mlio-bench/internal/pool"
)

// ErrWorkerFailed wraps the cause carried by a KindFailed item.
var ErrWorkerFailed = errors.New("background worker failed")

// StepSummary is emitted once per full batch.
type StepSummary struct {
	Step     int
	Duration time.Duration
	Samples  int
}

// Outcome describes how an epoch's step loop ended.
type Outcome struct {
	Steps   int  // summaries emitted
	Drained bool // every worker finished before the step budget
	Samples int  // sample reads consumed
}

// Observer receives driver events.
type Observer interface {
	ObserveStep(s StepSummary)
	ObserveQueueDepth(n int)
}

// Driver is the single consumer of an epoch's queue.
type Driver struct {
	BatchSize int
	Steps     int
	Threads   int
	Group     group.Group
	Observer  Observer
	Log       *slog.Logger
}

// Run drains queue until every worker is done or the step budget is spent.
// A failed worker aborts the epoch. Items left in the queue when the budget
// is reached are abandoned.
func (d *Driver) Run(ctx context.Context, queue <-chan pool.WorkItem) (Outcome, error) {
	g := d.Group
	if g == nil {
		g = group.Single()
	}

	var out Outcome
	running := d.Threads
	batch := 0
	last := time.Now()

	for running > 0 && out.Steps < d.Steps {
		var item pool.WorkItem
		select {
		case item = <-queue:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		d.observeDepth(len(queue))

		switch item.Kind {
		case pool.KindFailed:
			return out, fmt.Errorf("%w: thread %d: %w", ErrWorkerFailed, item.Thread, item.Err)

		case pool.KindDone:
			running--

		case pool.KindSample:
			batch++
			out.Samples++
			if batch < d.BatchSize {
				continue
			}

			summary := StepSummary{Step: out.Steps, Duration: time.Since(last), Samples: batch}
			if d.Observer != nil {
				d.Observer.ObserveStep(summary)
			}
			if err := g.Barrier(ctx); err != nil {
				return out, fmt.Errorf("step %d barrier: %w", summary.Step, err)
			}
			batch = 0
			out.Steps++
			last = time.Now()
		}
	}

	out.Drained = running == 0
	if out.Steps < d.Steps {
		if d.Log != nil {
			d.Log.Warn("readers drained before step budget",
				"steps", out.Steps,
				"budget", d.Steps,
				"discarded", batch,
			)
		}
		// Starved ranks still meet the others at every remaining step.
		for step := out.Steps; step < d.Steps; step++ {
			if err := g.Barrier(ctx); err != nil {
				return out, fmt.Errorf("step %d barrier: %w", step, err)
			}
		}
	}
	return out, nil
}

func (d *Driver) observeDepth(n int) {
	if d.Observer != nil {
		d.Observer.ObserveQueueDepth(n)
	}
}
