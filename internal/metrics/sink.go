package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink persists batches of records.
type Sink interface {
	Write(records []Record) error
	Close() error
}

// OpenSink creates the file at path, picking the format by extension:
// ".parquet" is columnar, ".zst" is zstd-compressed JSON lines, anything else
// is plain JSON lines.
func OpenSink(path string) (Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create metrics file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".parquet"):
		return &parquetSink{f: f, w: parquet.NewGenericWriter[Record](f)}, nil
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return newJSONLSink(f, zw), nil
	default:
		return newJSONLSink(f, nil), nil
	}
}

type parquetSink struct {
	f *os.File
	w *parquet.GenericWriter[Record]
}

func (s *parquetSink) Write(records []Record) error {
	if _, err := s.w.Write(records); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	return nil
}

func (s *parquetSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return s.f.Close()
}

// jsonlSink writes one JSON object per line, optionally through a compressor.
type jsonlSink struct {
	f    *os.File
	comp io.WriteCloser
	buf  *bufio.Writer
	enc  *jsoniter.Encoder
}

func newJSONLSink(f *os.File, comp io.WriteCloser) *jsonlSink {
	var w io.Writer = f
	if comp != nil {
		w = comp
	}
	buf := bufio.NewWriter(w)
	return &jsonlSink{f: f, comp: comp, buf: buf, enc: json.NewEncoder(buf)}
}

func (s *jsonlSink) Write(records []Record) error {
	for i := range records {
		if err := s.enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return nil
}

func (s *jsonlSink) Close() error {
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("flush metrics: %w", err)
	}
	if s.comp != nil {
		if err := s.comp.Close(); err != nil {
			s.f.Close()
			return fmt.Errorf("close compressor: %w", err)
		}
	}
	return s.f.Close()
}
