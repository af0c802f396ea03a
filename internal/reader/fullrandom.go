package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/mlio-bench/internal/source"
)

// FullRandom issues one positioned read per owned sample. The sample list,
// not the object list, is sharded.
type FullRandom struct{}

func (FullRandom) Name() string { return "full_random" }

func (FullRandom) Open(job Job, shard Shard) Stream {
	return &fullRandomStream{job: job, shard: shard}
}

type fullRandomStream struct {
	job     Job
	shard   Shard
	handles map[string]source.RandomReader
	next    int
	done    bool
}

func (s *fullRandomStream) Next(ctx context.Context) (Read, error) {
	if s.done {
		return Read{}, io.EOF
	}
	if s.handles == nil {
		if err := s.openAll(ctx); err != nil {
			return Read{}, err
		}
	}

	for s.next < len(s.job.Samples) {
		if err := ctx.Err(); err != nil {
			return Read{}, err
		}
		i := s.next
		s.next++
		if !s.shard.Owns(i) {
			continue
		}

		sample := s.job.Samples[i]
		h, ok := s.handles[sample.Object]
		if !ok {
			return Read{}, fmt.Errorf("sample %s@%d: object not in epoch", sample.Object, sample.Offset)
		}

		buf := make([]byte, s.job.SampleSize)
		start := time.Now()
		n, err := h.ReadAt(buf, int64(sample.Offset))
		elapsed := time.Since(start)

		if err != nil && !errors.Is(err, io.EOF) {
			return Read{}, fmt.Errorf("read %s@%d: %w", sample.Object, sample.Offset, err)
		}
		if n == 0 {
			return Read{}, fmt.Errorf("%w: %s@%d", ErrEmptyRead, sample.Object, sample.Offset)
		}

		s.job.observe(FullRandom{}.Name(), elapsed, n)
		return Read{
			Object:  sample.Object,
			Offset:  sample.Offset,
			Bytes:   n,
			Data:    buf[:n],
			Elapsed: elapsed,
		}, nil
	}

	s.done = true
	if err := s.Close(); err != nil {
		return Read{}, err
	}
	return Read{}, io.EOF
}

// openAll opens every object of the epoch for positioned reads.
func (s *fullRandomStream) openAll(ctx context.Context) error {
	s.handles = make(map[string]source.RandomReader, len(s.job.Objects))
	for _, key := range s.job.Objects {
		if _, ok := s.handles[key]; ok {
			continue
		}
		h, err := s.job.FS.OpenRandom(ctx, key)
		if err != nil {
			s.Close()
			s.handles = nil
			return fmt.Errorf("open %s: %w", key, err)
		}
		s.handles[key] = h
	}
	return nil
}

// Close releases every handle. Exhaustion closes them too.
func (s *fullRandomStream) Close() error {
	var result *multierror.Error
	for key, h := range s.handles {
		if err := h.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", key, err))
		}
		delete(s.handles, key)
	}
	return result.ErrorOrNil()
}
