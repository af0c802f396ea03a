package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Record kinds.
const (
	KindRead  = "read"
	KindStep  = "step"
	KindEpoch = "epoch"
)

// Record is one row of the metrics file.
type Record struct {
	Time      time.Time `parquet:"time,timestamp(millisecond)" json:"time"`
	Label     string    `parquet:"label,dict" json:"label"`
	Rank      int32     `parquet:"rank" json:"rank"`
	Epoch     int32     `parquet:"epoch" json:"epoch"`
	Kind      string    `parquet:"kind,dict" json:"kind"`
	ReadOrder string    `parquet:"read_order,dict" json:"read_order,omitempty"`
	Step      int32     `parquet:"step" json:"step"`
	LatencyMs float64   `parquet:"latency_ms" json:"latency_ms"`
	Bytes     int64     `parquet:"bytes" json:"bytes"`
	Samples   int32     `parquet:"samples" json:"samples"`
}

// flushEvery bounds how many records are handed to the sink at once.
const flushEvery = 512

// Recorder writes records to a sink on its own goroutine. Record never
// blocks the read path: when the buffer is full the record is dropped and
// counted.
type Recorder struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan Record
	done    chan struct{}
	sink    Sink
	dropped atomic.Int64
	err     error
	log     *slog.Logger
}

// NewRecorder starts a recorder with the given buffer capacity.
func NewRecorder(sink Sink, buffer int, log *slog.Logger) *Recorder {
	if buffer < 1 {
		buffer = 4096
	}
	r := &Recorder{
		ch:   make(chan Record, buffer),
		done: make(chan struct{}),
		sink: sink,
		log:  log,
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]Record, 0, flushEvery)
	flush := func() {
		if len(batch) == 0 || r.err != nil {
			batch = batch[:0]
			return
		}
		if err := r.sink.Write(batch); err != nil {
			r.err = err
			r.log.Error("metrics sink write failed, dropping further records", "error", err)
		}
		batch = batch[:0]
	}

	for rec := range r.ch {
		batch = append(batch, rec)
		if len(batch) >= flushEvery || len(r.ch) == 0 {
			flush()
		}
	}
	flush()
}

// Record queues rec for writing.
func (r *Recorder) Record(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes queued records and closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	if n := r.Dropped(); n > 0 {
		r.log.Warn("metrics records dropped", "count", n)
	}

	err := r.sink.Close()
	if r.err != nil {
		return r.err
	}
	return err
}
