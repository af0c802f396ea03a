package reader

import (
	"context"
	"fmt"
	"io"
	"time"
)

// FileRandom reads each owned object whole, then slices out every sample of
// that object from the global sample list. Only objects are sharded.
type FileRandom struct{}

func (FileRandom) Name() string { return "file_random" }

func (FileRandom) Open(job Job, shard Shard) Stream {
	offsets := make(map[string][]uint64)
	for _, s := range job.Samples {
		offsets[s.Object] = append(offsets[s.Object], s.Offset)
	}
	return &fileRandomStream{
		job:     job,
		objects: ownedObjects(job.Objects, shard),
		offsets: offsets,
	}
}

type fileRandomStream struct {
	job     Job
	objects []string
	offsets map[string][]uint64
	next    int
	pending []Read
}

func (s *fileRandomStream) Next(ctx context.Context) (Read, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Read{}, err
		}
		if s.next >= len(s.objects) {
			return Read{}, io.EOF
		}
		key := s.objects[s.next]
		s.next++

		if err := s.load(ctx, key); err != nil {
			return Read{}, err
		}
	}

	read := s.pending[0]
	s.pending = s.pending[1:]
	return read, nil
}

// load materializes one object and queues its slices. The whole-object
// latency rides on the first slice; the rest report zero.
func (s *fileRandomStream) load(ctx context.Context, key string) error {
	start := time.Now()
	r, err := s.job.FS.Open(ctx, key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	elapsed := time.Since(start)
	s.job.observe(FileRandom{}.Name(), elapsed, len(data))

	size := uint64(len(data))
	for i, off := range s.offsets[key] {
		lo := min(off, size)
		hi := min(off+s.job.SampleSize, size)
		read := Read{Object: key, Offset: off, Bytes: int(hi - lo), Data: data[lo:hi]}
		if i == 0 {
			read.Elapsed = elapsed
		}
		s.pending = append(s.pending, read)
	}
	return nil
}

func (s *fileRandomStream) Close() error {
	s.pending = nil
	return nil
}
