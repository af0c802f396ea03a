// Package report persists the end-of-run summary of one rank.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoReport is returned when no report exists at the path.
var ErrNoReport = errors.New("no report found")

// Summary describes one rank's run.
type Summary struct {
	RunID      string         `json:"run_id"`
	Label      string         `json:"label"`
	Rank       int            `json:"rank"`
	GroupSize  int            `json:"group_size"`
	Settings   Settings       `json:"settings"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Epochs     []EpochSummary `json:"epochs"`
	Error      string         `json:"error,omitempty"`
}

// Settings echoes the knobs that shape the load.
type Settings struct {
	Steps        int      `json:"steps"`
	BatchSize    int      `json:"batch_size"`
	SampleSize   uint64   `json:"sample_size"`
	Threads      int      `json:"background_threads"`
	QueueMaxsize int      `json:"background_queue_maxsize"`
	ReadOrders   []string `json:"read_order"`
}

// EpochSummary describes one epoch.
type EpochSummary struct {
	Index           int     `json:"index"`
	Source          string  `json:"source"`
	ReadOrder       string  `json:"read_order"`
	Objects         int     `json:"objects"`
	Samples         int     `json:"samples"`
	Degraded        bool    `json:"degraded"`
	Steps           int     `json:"steps"`
	Drained         bool    `json:"drained"`
	Reads           int64   `json:"reads"`
	BytesRead       int64   `json:"bytes_read"`
	DurationSeconds float64 `json:"duration_seconds"`
	Throughput      string  `json:"throughput"`
}

// SetDuration fills the duration and the humanized throughput.
func (e *EpochSummary) SetDuration(d time.Duration) {
	e.DurationSeconds = d.Seconds()
	if d <= 0 {
		e.Throughput = "n/a"
		return
	}
	perSec := float64(e.BytesRead) / d.Seconds()
	e.Throughput = humanize.IBytes(uint64(perSec)) + "/s"
}

// Writer persists summaries.
type Writer interface {
	Write(ctx context.Context, s *Summary) error
}

// NewWriter returns a writer for dest, which is a local path or a bucket URL
// (gs://, s3://, file://). A disabled writer discards summaries.
func NewWriter(enabled bool, dest string) Writer {
	if !enabled {
		return noopWriter{}
	}
	if strings.Contains(dest, "://") {
		return &bucketWriter{dest: dest}
	}
	return &fileWriter{path: dest}
}

func encode(s *Summary) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

// fileWriter writes the report to a local file atomically.
type fileWriter struct {
	path string
}

func (w *fileWriter) Write(_ context.Context, s *Summary) error {
	data, err := encode(s)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report directory %s: %w", dir, err)
		}
	}

	// Write atomically
	tempPath := w.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}

	if err := os.Rename(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename report file: %w", err)
	}

	return nil
}

// bucketWriter uploads to a temp key, then copies to the final key so readers
// never see a partial report.
type bucketWriter struct {
	dest string
}

func (w *bucketWriter) Write(ctx context.Context, s *Summary) error {
	bucketURL, key, err := splitURL(w.dest)
	if err != nil {
		return err
	}
	data, err := encode(s)
	if err != nil {
		return err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	tempKey := key + ".tmp." + uuid.New().String()
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := bucket.WriteAll(ctx, tempKey, data, opts); err != nil {
		return fmt.Errorf("write report %s: %w", tempKey, err)
	}
	defer bucket.Delete(ctx, tempKey) // ignore errors

	if err := copyObject(ctx, bucket, tempKey, key); err != nil {
		return fmt.Errorf("finalize report %s: %w", key, err)
	}
	return nil
}

// copyObject copies an object within the bucket.
func copyObject(ctx context.Context, bucket *blob.Bucket, srcKey, dstKey string) error {
	r, err := bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	bw, err := bucket.NewWriter(ctx, dstKey, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}
	if _, err := io.Copy(bw, r); err != nil {
		bw.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}
	return bw.Close()
}

// splitURL separates "gs://bucket/dir/report.json" into the bucket URL and
// the object key. For file:// the bucket is the parent directory.
func splitURL(dest string) (bucketURL, key string, err error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", "", fmt.Errorf("parse report path %s: %w", dest, err)
	}

	if u.Scheme == "file" {
		dir, file := path.Split(u.Path)
		if file == "" {
			return "", "", fmt.Errorf("report path %s has no file name", dest)
		}
		return "file://" + strings.TrimSuffix(dir, "/"), file, nil
	}

	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("report path %s has no object key", dest)
	}
	bucketURL = u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	return bucketURL, key, nil
}

// Load reads a report written by a file writer.
func Load(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse report file: %w", err)
	}
	return &s, nil
}

// noopWriter is used when report export is disabled.
type noopWriter struct{}

func (noopWriter) Write(context.Context, *Summary) error {
	return nil
}
