package metrics

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/withObsrvr/mlio-bench/internal/driver"
	"github.com/withObsrvr/mlio-bench/internal/logging"
)

func newTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New("test", prometheus.Labels{"label": "unit", "rank": "0"}, reg), reg
}

func TestObserve(t *testing.T) {
	m, _ := newTestMetrics()

	m.ObserveRead("full_random", 2*time.Millisecond, 4096)
	m.ObserveRead("full_random", 3*time.Millisecond, 4096)
	m.ObserveStep(driver.StepSummary{Step: 0, Duration: 10 * time.Millisecond, Samples: 2})
	m.ObserveQueueDepth(7)
	m.IncWorkerFailures()
	m.ObserveEpoch("full_random", time.Second, true)

	if got := testutil.ToFloat64(m.ReadBytes.WithLabelValues("full_random")); got != 8192 {
		t.Errorf("read bytes = %v, want 8192", got)
	}
	if got := testutil.ToFloat64(m.StepsTotal); got != 1 {
		t.Errorf("steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SamplesTotal); got != 2 {
		t.Errorf("samples = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.WorkerFailures); got != 1 {
		t.Errorf("worker failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DegradedEpochs); got != 1 {
		t.Errorf("degraded epochs = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ReadDuration); got != 1 {
		t.Errorf("read duration series = %d, want 1", got)
	}
}

func TestServer(t *testing.T) {
	m, reg := newTestMetrics()
	m.StepsTotal.Add(3)

	srv := httptest.NewServer(NewServer("", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `test_steps_total{label="unit",rank="0"} 3`) {
		t.Errorf("metrics output missing steps_total:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func records(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Time:      time.UnixMilli(1700000000000 + int64(i)),
			Label:     "unit",
			Kind:      KindRead,
			ReadOrder: "sequential",
			LatencyMs: float64(i),
			Bytes:     4096,
		}
	}
	return out
}

func recordAll(t *testing.T, path string, recs []Record) {
	t.Helper()
	sink, err := OpenSink(path)
	if err != nil {
		t.Fatalf("OpenSink: %v", err)
	}
	r := NewRecorder(sink, len(recs)+1, logging.Discard())
	for _, rec := range recs {
		r.Record(rec)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Dropped() != 0 {
		t.Errorf("dropped %d records", r.Dropped())
	}
	// Records after Close are ignored.
	r.Record(recs[0])
}

func countLines(t *testing.T, r io.Reader) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if !strings.HasPrefix(sc.Text(), "{") {
			t.Errorf("line is not a JSON object: %s", sc.Text())
		}
		n++
	}
	return n
}

func TestRecorderJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	recordAll(t, path, records(1000))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if n := countLines(t, f); n != 1000 {
		t.Errorf("lines = %d, want 1000", n)
	}
}

func TestRecorderZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl.zst")
	recordAll(t, path, records(50))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	if n := countLines(t, zr); n != 50 {
		t.Errorf("lines = %d, want 50", n)
	}
}

func TestRecorderParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.parquet")
	want := records(20)
	recordAll(t, path, want)

	got, err := parquet.ReadFile[Record](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("rows = %d, want %d", len(got), len(want))
	}
	if got[5].LatencyMs != 5 || got[5].ReadOrder != "sequential" || !got[5].Time.Equal(want[5].Time) {
		t.Errorf("row 5 = %+v", got[5])
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Write([]Record) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	r := NewRecorder(sink, 2, logging.Discard())

	for i := 0; i < 10; i++ {
		r.Record(Record{Kind: KindRead})
	}
	if r.Dropped() == 0 {
		t.Error("expected dropped records with a stalled sink")
	}

	close(sink.release)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
