package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/mlio-bench/internal/config"
	"github.com/withObsrvr/mlio-bench/internal/group"
	"github.com/withObsrvr/mlio-bench/internal/loadgen"
	"github.com/withObsrvr/mlio-bench/internal/logging"
	"github.com/withObsrvr/mlio-bench/internal/metrics"
	"github.com/withObsrvr/mlio-bench/internal/source"
)

type flags struct {
	configPath string
	rank       int
	groupSize  int
	logLevel   string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "mlio-bench",
		Short:         "Generate ML-training-style read load against a dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	root.Flags().StringVarP(&f.configPath, "config", "c", "", "path to the YAML config file")
	root.Flags().IntVar(&f.rank, "rank", -1, "override group_member_id")
	root.Flags().IntVar(&f.groupSize, "group-size", 0, "override group_size")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mlio-bench %s (%s)\n", loadgen.Version, loadgen.GitSHA)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("mlio-bench failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cobra.Command, f flags) (err error) {
	cfg, err := config.Load(f.configPath, func(c *config.Config) {
		if cmd.Flags().Changed("rank") {
			c.Group.MemberID = f.rank
		}
		if cmd.Flags().Changed("group-size") {
			c.Group.Size = f.groupSize
		}
		if f.logLevel != "" {
			c.Log.Level = f.logLevel
		}
	})
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	runID := logging.NewRunID()
	log := logging.RankLogger(slog.Default(), runID, cfg.Label, cfg.Group.MemberID, cfg.Group.Size)
	log.Info("mlio-bench starting", "version", loadgen.Version, "git_sha", loadgen.GitSHA)

	var teardown []func() error
	defer func() {
		var result *multierror.Error
		for i := len(teardown) - 1; i >= 0; i-- {
			if cerr := teardown[i](); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if terr := result.ErrorOrNil(); terr != nil {
			log.Warn("teardown incomplete", "error", terr)
			if err == nil {
				err = terr
			}
		}
	}()

	sources, err := source.Resolve(ctx, cfg.Prefix, logging.Component(log, "source"))
	if err != nil {
		return fmt.Errorf("resolve datasets: %w", err)
	}
	teardown = append(teardown, sources.Close)

	g, err := group.Join(ctx, cfg.Group, logging.Component(log, "group"))
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	teardown = append(teardown, g.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("mlio", prometheus.Labels{"label": cfg.Label, "rank": strconv.Itoa(g.Rank())}, reg)

	if cfg.Metrics.Address != "" {
		srv := metrics.NewServer(cfg.Metrics.Address, reg)
		go func() {
			if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", serr)
			}
		}()
		log.Info("serving metrics", "address", cfg.Metrics.Address)
		teardown = append(teardown, func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.MetricsFile != "" {
		sink, serr := metrics.OpenSink(cfg.Metrics.MetricsFile)
		if serr != nil {
			return fmt.Errorf("open metrics file: %w", serr)
		}
		recorder = metrics.NewRecorder(sink, 4096, logging.Component(log, "recorder"))
		teardown = append(teardown, recorder.Close)
	}

	runner := loadgen.New(cfg, sources, g, loadgen.Options{
		Metrics:  m,
		Recorder: recorder,
		Log:      log,
	})
	// The report is written even when the run fails so the error is kept.
	teardown = append(teardown, func() error {
		return runner.WriteReport(context.Background())
	})

	if err := runResult(ctx, runner.Run(logging.WithRunID(ctx, runID))); err != nil {
		return err
	}

	log.Info("mlio-bench stopped cleanly")
	return nil
}

// runResult maps the outcome of a run to the process result. A run cut short
// by a signal is reported as interrupted, never as success.
func runResult(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	return err
}
