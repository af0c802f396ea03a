// Package reader implements the three access patterns a training job puts on
// storage. Each strategy produces a finite, pull-based stream of reads for one
// worker's share of the epoch.
package reader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/mlio-bench/internal/config"
	"github.com/withObsrvr/mlio-bench/internal/planner"
	"github.com/withObsrvr/mlio-bench/internal/source"
)

var (
	// ErrEmptyRead is returned when a positioned read yields no bytes.
	ErrEmptyRead = errors.New("empty read")
	// ErrUnknownReadOrder is returned by ByName for unrecognized strategies.
	ErrUnknownReadOrder = errors.New("unknown read order")
)

// Read is one completed read.
type Read struct {
	Object  string
	Offset  uint64
	Bytes   int
	Data    []byte
	Elapsed time.Duration
}

// Observer receives exactly one latency per completed read.
type Observer interface {
	ObserveRead(strategy string, elapsed time.Duration, bytes int)
}

// Job is the epoch-wide input shared read-only by every worker.
type Job struct {
	Objects    []string
	Samples    []planner.Sample
	SampleSize uint64
	FS         source.Filesystem
	Observer   Observer
}

func (j Job) observe(strategy string, elapsed time.Duration, bytes int) {
	if j.Observer != nil {
		j.Observer.ObserveRead(strategy, elapsed, bytes)
	}
}

// Shard identifies one worker: split first by rank, then by thread.
type Shard struct {
	Rank      int
	GroupSize int
	Thread    int
	Threads   int
}

// Owns reports whether index i of a shared list belongs to this shard.
func (s Shard) Owns(i int) bool {
	groupSize := max(s.GroupSize, 1)
	threads := max(s.Threads, 1)
	return i%groupSize == s.Rank && (i/groupSize)%threads == s.Thread
}

// Stream is a lazy sequence of reads. Next returns io.EOF once exhausted.
// Streams are not restartable.
type Stream interface {
	Next(ctx context.Context) (Read, error)
	Close() error
}

// Strategy opens a stream over one shard of a job.
type Strategy interface {
	Name() string
	Open(job Job, shard Shard) Stream
}

// ByName resolves a read_order value.
func ByName(name string) (Strategy, error) {
	switch name {
	case config.ReadOrderSequential:
		return Sequential{}, nil
	case config.ReadOrderFileRandom:
		return FileRandom{}, nil
	case config.ReadOrderFullRandom:
		return FullRandom{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReadOrder, name)
	}
}

// ownedObjects filters the object list down to the shard.
func ownedObjects(objects []string, shard Shard) []string {
	var out []string
	for i, key := range objects {
		if shard.Owns(i) {
			out = append(out, key)
		}
	}
	return out
}
