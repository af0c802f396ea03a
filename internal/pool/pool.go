// Package pool runs the background readers of an epoch. Workers push every
// read onto one bounded channel and finish with exactly one terminal item.
package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/mlio-bench/internal/logging"
	"github.com/withObsrvr/mlio-bench/internal/reader"
)

// Kind tags a WorkItem.
type Kind int

const (
	KindSample Kind = iota
	KindDone
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindDone:
		return "done"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkItem is the queue payload.
type WorkItem struct {
	Kind    Kind
	Thread  int
	Object  string
	Offset  uint64
	Bytes   int
	Elapsed time.Duration

	// Err is set for KindFailed.
	Err error
}

// Config describes one epoch's worth of background work.
type Config struct {
	Strategy  reader.Strategy
	Job       reader.Job
	Rank      int
	GroupSize int
	Threads   int
	Log       *slog.Logger
}

// Pool tracks detached workers so they can be reaped with a bounded wait.
type Pool struct {
	wg      sync.WaitGroup
	done    chan struct{}
	running atomic.Int32
	log     *slog.Logger
}

// Start launches cfg.Threads workers. It does not wait for them; the caller
// observes termination only through queue items.
func Start(ctx context.Context, cfg Config, queue chan<- WorkItem) *Pool {
	p := &Pool{
		done: make(chan struct{}),
		log:  logging.Component(cfg.Log, "pool"),
	}

	for thread := 0; thread < cfg.Threads; thread++ {
		p.wg.Add(1)
		p.running.Add(1)
		go p.worker(ctx, cfg, thread, queue)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.log.Debug("workers started", "threads", cfg.Threads, "strategy", cfg.Strategy.Name())
	return p
}

func (p *Pool) worker(ctx context.Context, cfg Config, thread int, queue chan<- WorkItem) {
	defer p.wg.Done()
	defer p.running.Add(-1)

	log := logging.WorkerLogger(p.log, thread)
	shard := reader.Shard{
		Rank:      cfg.Rank,
		GroupSize: cfg.GroupSize,
		Thread:    thread,
		Threads:   cfg.Threads,
	}

	stream := cfg.Strategy.Open(cfg.Job, shard)
	reads, err := pump(ctx, stream, thread, queue)
	if cerr := stream.Close(); err == nil && cerr != nil {
		err = cerr
	}

	if ctx.Err() != nil {
		// Abandoned by the driver; nobody reads the queue anymore.
		log.Debug("worker stopped", "reads", reads)
		return
	}

	terminal := WorkItem{Kind: KindDone, Thread: thread}
	if err != nil {
		log.Error("reader failed", "error", err, "reads", reads)
		terminal = WorkItem{Kind: KindFailed, Thread: thread, Err: err}
	} else {
		log.Debug("worker drained", "reads", reads)
	}

	select {
	case queue <- terminal:
	case <-ctx.Done():
	}
}

// pump moves reads from the stream onto the queue, blocking when it is full.
func pump(ctx context.Context, stream reader.Stream, thread int, queue chan<- WorkItem) (int, error) {
	reads := 0
	for {
		r, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return reads, nil
		}
		if err != nil {
			return reads, err
		}

		item := WorkItem{
			Kind:    KindSample,
			Thread:  thread,
			Object:  r.Object,
			Offset:  r.Offset,
			Bytes:   r.Bytes,
			Elapsed: r.Elapsed,
		}
		select {
		case queue <- item:
			reads++
		case <-ctx.Done():
			return reads, ctx.Err()
		}
	}
}

// Running reports how many workers have not returned yet.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Shutdown waits up to timeout for every worker to return. Workers stuck in
// a read past the timeout are abandoned and logged. Cancel the context passed
// to Start first.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		p.log.Warn("abandoning background workers", "running", p.Running(), "timeout", timeout)
		return false
	}
}
