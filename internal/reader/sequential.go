package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sequential streams each owned object from offset 0 in sample-size chunks,
// up to as many chunks as the object has samples.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Open(job Job, shard Shard) Stream {
	counts := make(map[string]int)
	for _, s := range job.Samples {
		counts[s.Object]++
	}
	return &sequentialStream{
		job:     job,
		objects: ownedObjects(job.Objects, shard),
		counts:  counts,
		buf:     make([]byte, job.SampleSize),
	}
}

type sequentialStream struct {
	job     Job
	objects []string
	counts  map[string]int
	next    int
	buf     []byte

	cur    io.ReadCloser
	key    string
	offset uint64
	bound  uint64
}

func (s *sequentialStream) Next(ctx context.Context) (Read, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Read{}, err
		}

		if s.cur == nil {
			if s.next >= len(s.objects) {
				return Read{}, io.EOF
			}
			key := s.objects[s.next]
			s.next++

			bound := uint64(s.counts[key]) * s.job.SampleSize
			if bound == 0 {
				continue
			}
			r, err := s.job.FS.Open(ctx, key)
			if err != nil {
				return Read{}, err
			}
			s.cur, s.key, s.offset, s.bound = r, key, 0, bound
		}

		if s.offset >= s.bound {
			s.closeCurrent()
			continue
		}

		start := time.Now()
		n, err := io.ReadFull(s.cur, s.buf)
		elapsed := time.Since(start)

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.closeCurrent()
			return Read{}, fmt.Errorf("read %s@%d: %w", s.key, s.offset, err)
		}
		if n == 0 {
			// Object ended before the bound.
			s.closeCurrent()
			continue
		}

		read := Read{Object: s.key, Offset: s.offset, Bytes: n, Elapsed: elapsed}
		s.offset += uint64(n)
		if n < len(s.buf) {
			s.closeCurrent()
		}

		s.job.observe(Sequential{}.Name(), elapsed, n)
		return read, nil
	}
}

func (s *sequentialStream) closeCurrent() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

func (s *sequentialStream) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}
