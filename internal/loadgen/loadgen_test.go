package loadgen

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/mlio-bench/internal/config"
	"github.com/withObsrvr/mlio-bench/internal/driver"
	"github.com/withObsrvr/mlio-bench/internal/group"
	"github.com/withObsrvr/mlio-bench/internal/logging"
	"github.com/withObsrvr/mlio-bench/internal/metrics"
	"github.com/withObsrvr/mlio-bench/internal/planner"
	"github.com/withObsrvr/mlio-bench/internal/report"
	"github.com/withObsrvr/mlio-bench/internal/source"
)

func baseConfig(readOrder ...string) config.Config {
	return config.Config{
		Label:                  "test",
		Epochs:                 1,
		Steps:                  3,
		SampleSize:             4,
		BatchSize:              2,
		ReadOrder:              readOrder,
		BackgroundQueueMaxsize: 2,
		BackgroundThreads:      1,
		Group:                  config.GroupConfig{Size: 1},
		ShutdownTimeout:        time.Second,
		Seed:                   11,
	}
}

func memRegistry(t *testing.T, sizes map[string]int) *source.Registry {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	var objects []string
	for key, n := range sizes {
		require.NoError(t, bucket.WriteAll(ctx, key, make([]byte, n), nil))
		objects = append(objects, key)
	}
	fs := source.NewBlobFS(bucket, "mem")
	t.Cleanup(func() { fs.Close() })
	return source.NewRegistry(source.Source{Name: "mem://train", FS: fs, Objects: objects})
}

func TestStepBudgetScenario(t *testing.T) {
	for _, order := range []string{config.ReadOrderSequential, config.ReadOrderFileRandom, config.ReadOrderFullRandom} {
		t.Run(order, func(t *testing.T) {
			// One object holding 10 samples.
			reg := memRegistry(t, map[string]int{"shard-0": 40})
			r := New(baseConfig(order), reg, group.Single(), Options{Log: logging.Discard()})

			require.NoError(t, r.Run(context.Background()))

			s := r.Summary()
			require.Len(t, s.Epochs, 1)
			e := s.Epochs[0]
			require.Equal(t, order, e.ReadOrder)
			require.Equal(t, 6, e.Samples)
			require.Equal(t, 3, e.Steps)
			require.False(t, e.Degraded)
		})
	}
}

func TestMultipleEpochsWithCollaborators(t *testing.T) {
	data := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(data, name), make([]byte, 32), 0644))
	}
	reg, err := source.Resolve(context.Background(), []string{data}, logging.Discard())
	require.NoError(t, err)
	defer reg.Close()

	out := t.TempDir()
	cfg := baseConfig(config.ReadOrderSequential, config.ReadOrderFileRandom, config.ReadOrderFullRandom)
	cfg.Epochs = 4
	cfg.BackgroundThreads = 2
	cfg.ClearPagecacheAfterEpoch = true
	cfg.Metrics = config.MetricsConfig{
		LogMetrics:    true,
		ExportMetrics: true,
		ReportPath:    filepath.Join(out, "report.json"),
	}

	sink, err := metrics.OpenSink(filepath.Join(out, "metrics.jsonl"))
	require.NoError(t, err)
	recorder := metrics.NewRecorder(sink, 1024, logging.Discard())

	promReg := prometheus.NewRegistry()
	m := metrics.New("test", nil, promReg)

	drops := 0
	r := New(cfg, reg, group.Single(), Options{
		Metrics:   m,
		Recorder:  recorder,
		Log:       logging.Discard(),
		DropCache: func() error { drops++; return nil },
	})

	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, recorder.Close())
	require.NoError(t, r.WriteReport(context.Background()))

	require.Equal(t, 4, drops)
	require.Equal(t, float64(12), testutil.ToFloat64(m.StepsTotal))

	rep, err := report.Load(cfg.Metrics.ReportPath)
	require.NoError(t, err)
	require.Len(t, rep.Epochs, 4)
	require.Empty(t, rep.Error)
	for _, e := range rep.Epochs {
		require.Equal(t, 3, e.Steps)
		require.Equal(t, data, e.Source)
		require.Positive(t, e.BytesRead)
	}

	f, err := os.Open(filepath.Join(out, "metrics.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	// At least one read per step sample plus step and epoch records.
	require.GreaterOrEqual(t, lines, 4*(3+1))
}

// brokenFS fails every read after listing and sizing succeed.
type brokenFS struct {
	source.Filesystem
}

var errDisk = errors.New("disk on fire")

func (brokenFS) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errDisk
}

func (brokenFS) OpenRandom(context.Context, string) (source.RandomReader, error) {
	return nil, errDisk
}

func TestWorkerFailureFailsRun(t *testing.T) {
	mem := memRegistry(t, map[string]int{"shard-0": 40})
	src, err := mem.Lookup("mem://train")
	require.NoError(t, err)
	reg := source.NewRegistry(source.Source{Name: src.Name, FS: brokenFS{src.FS}, Objects: src.Objects})

	promReg := prometheus.NewRegistry()
	m := metrics.New("test", nil, promReg)
	r := New(baseConfig(config.ReadOrderFullRandom), reg, group.Single(), Options{Metrics: m, Log: logging.Discard()})

	err = r.Run(context.Background())
	require.ErrorIs(t, err, driver.ErrWorkerFailed)
	require.ErrorIs(t, err, errDisk)
	require.NotEmpty(t, r.Summary().Error)
	require.Equal(t, 0, r.Summary().Epochs[0].Steps)
	require.Equal(t, float64(1), testutil.ToFloat64(m.WorkerFailures))
}

func TestDegradedWhenDataScarce(t *testing.T) {
	reg := memRegistry(t, map[string]int{"tiny": 8})
	r := New(baseConfig(config.ReadOrderFullRandom), reg, group.Single(), Options{Log: logging.Discard()})

	require.NoError(t, r.Run(context.Background()))
	e := r.Summary().Epochs[0]
	require.True(t, e.Degraded)
	require.Equal(t, 6, e.Samples)
	require.Equal(t, 3, e.Steps)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestTwoRanksAgree(t *testing.T) {
	data := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(data, name), make([]byte, 16), 0644))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	port := freePort(t)
	summaries := make([]report.Summary, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			cfg := baseConfig(config.ReadOrderSequential, config.ReadOrderFullRandom)
			cfg.Epochs = 2
			cfg.BackgroundThreads = 2
			cfg.Seed = int64(100 + rank)
			cfg.Group = config.GroupConfig{
				CoordinatorAddress: "127.0.0.1",
				CoordinatorPort:    port,
				MemberID:           rank,
				Size:               2,
				JoinTimeout:        10 * time.Second,
			}

			g, err := group.Join(ctx, cfg.Group, logging.Discard())
			if err != nil {
				errs[rank] = err
				return
			}
			defer g.Close()

			reg, err := source.Resolve(ctx, []string{data}, logging.Discard())
			if err != nil {
				errs[rank] = err
				return
			}
			defer reg.Close()

			r := New(cfg, reg, g, Options{Rand: planner.NewRand(cfg.Seed), Log: logging.Discard()})
			errs[rank] = r.Run(ctx)
			summaries[rank] = r.Summary()
		}(rank)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for i := range summaries[0].Epochs {
		a, b := summaries[0].Epochs[i], summaries[1].Epochs[i]
		require.Equal(t, a.Source, b.Source)
		require.Equal(t, a.ReadOrder, b.ReadOrder)
		require.Equal(t, a.Objects, b.Objects)
		require.Equal(t, 12, a.Samples)
		require.Equal(t, 12, b.Samples)
		require.LessOrEqual(t, a.Steps, 3)
		require.LessOrEqual(t, b.Steps, 3)
	}
}

func TestRunIDFromContext(t *testing.T) {
	reg := memRegistry(t, map[string]int{"shard-0": 40})
	r := New(baseConfig(config.ReadOrderSequential), reg, group.Single(), Options{Log: logging.Discard()})
	require.NotEmpty(t, r.Summary().RunID)

	ctx := logging.WithRunID(context.Background(), "run-42")
	require.NoError(t, r.Run(ctx))
	require.Equal(t, "run-42", r.Summary().RunID)
}
