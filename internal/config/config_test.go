package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
label: fuse-a
prefix:
  - /mnt/dataset/train/
  - s3://bucket/train/?region=us-east-1
epochs: 2
steps: 50
sample_size: 64KiB
batch_size: 8
read_order: [sequential, full_random]
background_queue_maxsize: 32
background_threads: 4
group_coordinator_address: 10.0.0.1
group_coordinator_port: 29501
group_member_id: 1
group_size: 2
group_join_timeout: 30s
object_count_limit: 100
clear_pagecache_after_epoch: true
log_metrics: true
metrics_file: /tmp/metrics.parquet
export_metrics: true
log:
  format: json
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Label != "fuse-a" {
		t.Errorf("Label = %q, want fuse-a", cfg.Label)
	}
	if len(cfg.Prefix) != 2 || cfg.Prefix[1] != "s3://bucket/train/?region=us-east-1" {
		t.Errorf("Prefix = %v", cfg.Prefix)
	}
	if cfg.SampleSize != 64*1024 {
		t.Errorf("SampleSize = %d, want %d", cfg.SampleSize, 64*1024)
	}
	if cfg.Group.Size != 2 || cfg.Group.MemberID != 1 || cfg.Group.CoordinatorPort != 29501 {
		t.Errorf("Group = %+v", cfg.Group)
	}
	if cfg.Group.JoinTimeout != 30*time.Second {
		t.Errorf("JoinTimeout = %v, want 30s", cfg.Group.JoinTimeout)
	}
	if !cfg.Metrics.LogMetrics || !cfg.Metrics.ExportMetrics || cfg.Metrics.MetricsFile != "/tmp/metrics.parquet" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if got := cfg.RequiredSamples(cfg.Group.Size); got != 8*50*2 {
		t.Errorf("RequiredSamples = %d, want %d", got, 8*50*2)
	}
	if got := cfg.ReportFile(); got != "mlio-bench-report-fuse-a-rank1.json" {
		t.Errorf("ReportFile = %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "prefix: [/data]\nsteps: 3\nsample_size: 4096\nbatch_size: 2\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Epochs != 1 || cfg.Group.Size != 1 || cfg.BackgroundThreads != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.BackgroundQueueMaxsize != 2 {
		t.Errorf("BackgroundQueueMaxsize = %d, want 2", cfg.BackgroundQueueMaxsize)
	}
	if len(cfg.ReadOrder) != 1 || cfg.ReadOrder[0] != ReadOrderSequential {
		t.Errorf("ReadOrder = %v", cfg.ReadOrder)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MLIO_GROUP_MEMBER_ID", "0")
	t.Setenv("MLIO_GROUP_SIZE", "4")
	t.Setenv("MLIO_SAMPLE_SIZE", "1MiB")
	t.Setenv("MLIO_READ_ORDER", "file_random,full_random")
	t.Setenv("MLIO_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Group.MemberID != 0 || cfg.Group.Size != 4 {
		t.Errorf("Group = %+v", cfg.Group)
	}
	if cfg.SampleSize != 1<<20 {
		t.Errorf("SampleSize = %d", cfg.SampleSize)
	}
	if len(cfg.ReadOrder) != 2 || cfg.ReadOrder[0] != ReadOrderFileRandom {
		t.Errorf("ReadOrder = %v", cfg.ReadOrder)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestEnvOverrideBadInt(t *testing.T) {
	t.Setenv("MLIO_STEPS", "many")
	_, err := Load(writeConfig(t, sampleYAML))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Prefix:                 []string{"/data"},
			Epochs:                 1,
			Steps:                  1,
			SampleSize:             1,
			BatchSize:              1,
			ReadOrder:              []string{ReadOrderFullRandom},
			BackgroundQueueMaxsize: 1,
			BackgroundThreads:      1,
			Group:                  GroupConfig{Size: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no prefix", func(c *Config) { c.Prefix = nil }},
		{"zero steps", func(c *Config) { c.Steps = 0 }},
		{"zero sample size", func(c *Config) { c.SampleSize = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero threads", func(c *Config) { c.BackgroundThreads = 0 }},
		{"zero queue", func(c *Config) { c.BackgroundQueueMaxsize = 0 }},
		{"negative object limit", func(c *Config) { c.ObjectCountLimit = -1 }},
		{"rank out of range", func(c *Config) { c.Group.MemberID = 1 }},
		{"unknown read order", func(c *Config) { c.ReadOrder = []string{"backwards"} }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOverridesAppliedBeforeValidation(t *testing.T) {
	path := writeConfig(t, `
prefix: [/data]
group_member_id: 3
group_size: 2
`)

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load without override = %v, want ErrInvalidConfig", err)
	}

	cfg, err := Load(path, func(c *Config) { c.Group.Size = 4 })
	if err != nil {
		t.Fatalf("Load with override failed: %v", err)
	}
	if cfg.Group.MemberID != 3 || cfg.Group.Size != 4 {
		t.Errorf("Group = %+v, want member 3 of 4", cfg.Group)
	}
}
