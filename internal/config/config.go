package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Read orders accepted in read_order.
const (
	ReadOrderSequential = "sequential"
	ReadOrderFileRandom = "file_random"
	ReadOrderFullRandom = "full_random"
)

// Config is the complete benchmark configuration for one rank.
type Config struct {
	Label  string   `yaml:"label"`
	Prefix []string `yaml:"prefix"`

	Epochs     int      `yaml:"epochs"`
	Steps      int      `yaml:"steps"`
	SampleSize ByteSize `yaml:"sample_size"`
	BatchSize  int      `yaml:"batch_size"`
	ReadOrder  []string `yaml:"read_order"`

	BackgroundQueueMaxsize int `yaml:"background_queue_maxsize"`
	BackgroundThreads      int `yaml:"background_threads"`

	ObjectCountLimit         int   `yaml:"object_count_limit"`
	ClearPagecacheAfterEpoch bool  `yaml:"clear_pagecache_after_epoch"`
	Seed                     int64 `yaml:"seed"`

	Group   GroupConfig   `yaml:",inline"`
	Metrics MetricsConfig `yaml:",inline"`
	Log     LogConfig     `yaml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GroupConfig describes the distributed rendezvous.
type GroupConfig struct {
	CoordinatorAddress string        `yaml:"group_coordinator_address"`
	CoordinatorPort    int           `yaml:"group_coordinator_port"`
	MemberID           int           `yaml:"group_member_id"`
	Size               int           `yaml:"group_size"`
	JoinTimeout        time.Duration `yaml:"group_join_timeout"`
}

// MetricsConfig routes measurements to the metrics collaborators.
type MetricsConfig struct {
	LogMetrics    bool   `yaml:"log_metrics"`
	MetricsFile   string `yaml:"metrics_file"`
	ExportMetrics bool   `yaml:"export_metrics"`
	ReportPath    string `yaml:"report_path"`
	Address       string `yaml:"metrics_address"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// ByteSize is a byte count that accepts humanized values such as "64KiB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("sample size must be a scalar, got yaml kind %d", value.Kind)
	}
	raw := value.Value
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// RequiredSamples is the number of samples every epoch draws across a group
// of groupSize ranks.
func (c Config) RequiredSamples(groupSize int) int {
	return c.BatchSize * c.Steps * groupSize
}

// ReportFile is where the end-of-run report goes when export_metrics is set.
func (c Config) ReportFile() string {
	if c.Metrics.ReportPath != "" {
		return c.Metrics.ReportPath
	}
	return fmt.Sprintf("mlio-bench-report-%s-rank%d.json", c.Label, c.Group.MemberID)
}

// Override adjusts a loaded config before defaults and validation, e.g. from
// command line flags.
type Override func(*Config)

// Load reads a YAML file, applies MLIO_* environment overrides, then the
// given overrides and defaults, and validates the result once.
func Load(path string, overrides ...Override) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Label == "" {
		c.Label = "mlio-bench"
	}
	if c.Epochs == 0 {
		c.Epochs = 1
	}
	if c.Group.Size == 0 {
		c.Group.Size = 1
	}
	if c.Group.CoordinatorAddress == "" {
		c.Group.CoordinatorAddress = "127.0.0.1"
	}
	if c.Group.CoordinatorPort == 0 {
		c.Group.CoordinatorPort = 29500
	}
	if c.Group.JoinTimeout == 0 {
		c.Group.JoinTimeout = 60 * time.Second
	}
	if c.BackgroundThreads == 0 {
		c.BackgroundThreads = 1
	}
	if c.BackgroundQueueMaxsize == 0 {
		c.BackgroundQueueMaxsize = 2 * c.BackgroundThreads
	}
	if len(c.ReadOrder) == 0 {
		c.ReadOrder = []string{ReadOrderSequential}
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the invariants the pipeline relies on.
func (c Config) Validate() error {
	var problems []string
	if len(c.Prefix) == 0 {
		problems = append(problems, "prefix must list at least one dataset")
	}
	if c.Epochs < 1 {
		problems = append(problems, "epochs must be >= 1")
	}
	if c.Steps < 1 {
		problems = append(problems, "steps must be >= 1")
	}
	if c.SampleSize == 0 {
		problems = append(problems, "sample_size must be > 0")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "batch_size must be >= 1")
	}
	if c.BackgroundThreads < 1 {
		problems = append(problems, "background_threads must be >= 1")
	}
	if c.BackgroundQueueMaxsize < 1 {
		problems = append(problems, "background_queue_maxsize must be >= 1")
	}
	if c.ObjectCountLimit < 0 {
		problems = append(problems, "object_count_limit must be >= 0")
	}
	if c.Group.Size < 1 {
		problems = append(problems, "group_size must be >= 1")
	}
	if c.Group.MemberID < 0 || c.Group.MemberID >= c.Group.Size {
		problems = append(problems, fmt.Sprintf("group_member_id %d out of range [0,%d)", c.Group.MemberID, c.Group.Size))
	}
	for _, order := range c.ReadOrder {
		switch order {
		case ReadOrderSequential, ReadOrderFileRandom, ReadOrderFullRandom:
		default:
			problems = append(problems, fmt.Sprintf("unknown read_order %q", order))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// applyEnv overrides file values with MLIO_* variables so one file can drive
// every rank of a job.
func applyEnv(c *Config) error {
	c.Label = getenvDefault("MLIO_LABEL", c.Label)
	if v := os.Getenv("MLIO_PREFIX"); v != "" {
		c.Prefix = strings.Split(v, ",")
	}
	if v := os.Getenv("MLIO_READ_ORDER"); v != "" {
		c.ReadOrder = strings.Split(v, ",")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MLIO_EPOCHS", &c.Epochs},
		{"MLIO_STEPS", &c.Steps},
		{"MLIO_BATCH_SIZE", &c.BatchSize},
		{"MLIO_BACKGROUND_THREADS", &c.BackgroundThreads},
		{"MLIO_BACKGROUND_QUEUE_MAXSIZE", &c.BackgroundQueueMaxsize},
		{"MLIO_OBJECT_COUNT_LIMIT", &c.ObjectCountLimit},
		{"MLIO_GROUP_COORDINATOR_PORT", &c.Group.CoordinatorPort},
		{"MLIO_GROUP_MEMBER_ID", &c.Group.MemberID},
		{"MLIO_GROUP_SIZE", &c.Group.Size},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, e.key, v, err)
		}
		*e.dst = parsed
	}

	if v := os.Getenv("MLIO_SAMPLE_SIZE"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("%w: MLIO_SAMPLE_SIZE=%q: %v", ErrInvalidConfig, v, err)
		}
		c.SampleSize = ByteSize(n)
	}
	if v := os.Getenv("MLIO_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MLIO_SEED=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Seed = seed
	}

	c.Group.CoordinatorAddress = getenvDefault("MLIO_GROUP_COORDINATOR_ADDRESS", c.Group.CoordinatorAddress)
	c.Metrics.MetricsFile = getenvDefault("MLIO_METRICS_FILE", c.Metrics.MetricsFile)
	c.Metrics.ReportPath = getenvDefault("MLIO_REPORT_PATH", c.Metrics.ReportPath)
	c.Metrics.Address = getenvDefault("MLIO_METRICS_ADDRESS", c.Metrics.Address)
	c.Log.Format = getenvDefault("MLIO_LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("MLIO_LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("MLIO_CLEAR_PAGECACHE_AFTER_EPOCH"); v != "" {
		c.ClearPagecacheAfterEpoch = v == "true"
	}
	if v := os.Getenv("MLIO_EXPORT_METRICS"); v != "" {
		c.Metrics.ExportMetrics = v == "true"
	}
	if v := os.Getenv("MLIO_LOG_METRICS"); v != "" {
		c.Metrics.LogMetrics = v == "true"
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
