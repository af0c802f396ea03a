package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalFS reads files through the kernel, which is how a FUSE mount of an
// object store is exercised. Keys are file paths.
type LocalFS struct{}

// NewLocalFS creates a local filesystem capability.
func NewLocalFS() *LocalFS {
	return &LocalFS{}
}

// List walks the directory tree under prefix and returns every regular file.
func (s *LocalFS) List(ctx context.Context, prefix string) ([]string, error) {
	info, err := os.Stat(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(prefix, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Skip directories
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		keys = append(keys, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Size implements Filesystem.
func (s *LocalFS) Size(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(key)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// Open implements Filesystem.
func (s *LocalFS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// OpenRandom implements Filesystem; *os.File already supports pread.
func (s *LocalFS) OpenRandom(_ context.Context, key string) (RandomReader, error) {
	f, err := os.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Kind implements Filesystem.
func (s *LocalFS) Kind() string {
	return "local"
}

// Close implements Filesystem.
func (s *LocalFS) Close() error {
	return nil
}
