package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNoObjects is returned when a configured prefix lists nothing.
	ErrNoObjects = errors.New("no objects under prefix")
	// ErrUnknownSource is returned when a source name is not registered.
	ErrUnknownSource = errors.New("unknown source")
)

// RandomReader is an object opened for positioned reads.
type RandomReader interface {
	io.ReaderAt
	io.Closer
}

// Filesystem is the storage capability the benchmark drives. Implementations
// must be safe for concurrent use by multiple workers.
type Filesystem interface {
	// List returns every object key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the byte length of an object.
	Size(ctx context.Context, key string) (int64, error)

	// Open opens an object for one sequential pass.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenRandom opens an object for positioned reads.
	OpenRandom(ctx context.Context, key string) (RandomReader, error)

	// Kind names the backend ("local", "gs", "s3", "file", ...).
	Kind() string

	// Close releases any resources.
	Close() error
}

// Source is one configured dataset prefix with its listed objects.
type Source struct {
	Name    string
	FS      Filesystem
	Objects []string
}

// Registry holds every configured source for the lifetime of the process.
type Registry struct {
	sources []Source
	byName  map[string]int
}

// NewRegistry builds a registry from already-resolved sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{byName: make(map[string]int, len(sources))}
	for _, s := range sources {
		r.byName[s.Name] = len(r.sources)
		r.sources = append(r.sources, s)
	}
	return r
}

// Resolve opens and lists every prefix. A prefix is either a local directory
// (e.g. a FUSE mount) or a bucket URL understood by gocloud.dev.
func Resolve(ctx context.Context, prefixes []string, log *slog.Logger) (*Registry, error) {
	var sources []Source
	for _, prefix := range prefixes {
		fs, listPrefix, err := OpenFilesystem(ctx, prefix)
		if err != nil {
			closeSources(sources)
			return nil, err
		}

		objects, err := fs.List(ctx, listPrefix)
		if err != nil {
			fs.Close()
			closeSources(sources)
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(objects) == 0 {
			fs.Close()
			closeSources(sources)
			return nil, fmt.Errorf("%w: %s", ErrNoObjects, prefix)
		}

		log.Info("resolved source", "prefix", prefix, "backend", fs.Kind(), "objects", len(objects))
		sources = append(sources, Source{Name: prefix, FS: fs, Objects: objects})
	}
	return NewRegistry(sources...), nil
}

// OpenFilesystem maps a prefix to a filesystem and the key prefix to list.
func OpenFilesystem(ctx context.Context, prefix string) (Filesystem, string, error) {
	if !strings.Contains(prefix, "://") {
		return NewLocalFS(), prefix, nil
	}

	u, err := url.Parse(prefix)
	if err != nil {
		return nil, "", fmt.Errorf("parse prefix %s: %w", prefix, err)
	}

	switch u.Scheme {
	case "file":
		// fileblob roots the bucket at the directory itself.
		fs, err := OpenBlobFS(ctx, "file://"+u.Path, u.Scheme)
		return fs, "", err
	case "mem":
		fs, err := OpenBlobFS(ctx, "mem://", u.Scheme)
		return fs, strings.TrimPrefix(u.Path, "/"), err
	case "gs", "s3":
		bucketURL := fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		if u.RawQuery != "" {
			bucketURL += "?" + u.RawQuery
		}
		fs, err := OpenBlobFS(ctx, bucketURL, u.Scheme)
		return fs, strings.TrimPrefix(u.Path, "/"), err
	default:
		return nil, "", fmt.Errorf("unsupported prefix scheme %q in %s", u.Scheme, prefix)
	}
}

// Lookup returns the source registered under name.
func (r *Registry) Lookup(name string) (Source, error) {
	i, ok := r.byName[name]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return r.sources[i], nil
}

// Sources returns the sources in configuration order.
func (r *Registry) Sources() []Source {
	return r.sources
}

// Len returns the number of sources.
func (r *Registry) Len() int {
	return len(r.sources)
}

// Close releases every filesystem.
func (r *Registry) Close() error {
	var result *multierror.Error
	for _, s := range r.sources {
		if err := s.FS.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", s.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func closeSources(sources []Source) {
	for _, s := range sources {
		s.FS.Close()
	}
}
