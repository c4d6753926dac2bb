// Package config loads engram configuration from YAML with environment
// overrides. Every component receives its own sub-struct; durations are
// strings ("30s", "5m") parsed on access so a bad value surfaces at load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by the core.
const (
	EnvDataDir    = "ENGRAM_DATA_DIR"
	EnvConfigPath = "ENGRAM_CONFIG"
	EnvLogLevel   = "ENGRAM_LOG_LEVEL"
)

// Config holds all engram configuration.
type Config struct {
	// DataDir is where the database, node documents and logs live.
	DataDir string `yaml:"data_dir"`

	// Watch lists the directories scanned for *.jsonl session logs.
	Watch []string `yaml:"watch"`

	Watcher   WatcherConfig   `yaml:"watcher"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WatcherConfig controls session file stabilization.
type WatcherConfig struct {
	StabilityWindow string `yaml:"stability_window"` // default 30s
	IdleWindow      string `yaml:"idle_window"`      // default 5m
	PollInterval    string `yaml:"poll_interval"`    // default 5s
	EventBuffer     int    `yaml:"event_buffer"`     // default 256
}

// SegmenterConfig controls boundary detection.
type SegmenterConfig struct {
	// ResumeGapMinutes is the wall-clock gap that cuts a resume boundary.
	// Zero disables resume boundaries.
	ResumeGapMinutes int `yaml:"resume_gap_minutes"`
}

// QueueConfig controls retry behavior.
type QueueConfig struct {
	BaseDelay       string         `yaml:"base_delay"`        // default 30s
	MaxDelay        string         `yaml:"max_delay"`         // default 30m
	StaleClaim      string         `yaml:"stale_claim"`       // default 30m
	MaxRetriesByKind map[string]int `yaml:"max_retries_by_kind"`
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Count      int    `yaml:"count"`       // 0 = NumCPU, clamped to [1,16]
	JobTimeout string `yaml:"job_timeout"` // default 10m
	// MinSegmentAge is how old a segment's last entry must be before an
	// initial job will analyze it. Empty = watcher stability window.
	MinSegmentAge    string `yaml:"min_segment_age"`
	EnqueueDiscovery bool   `yaml:"enqueue_discovery"`
	PollInterval     string `yaml:"poll_interval"` // claim poll when idle, default 2s
}

// ScheduledJob is one cron-driven recurring job.
type ScheduledJob struct {
	Kind    string `yaml:"kind"`
	Cron    string `yaml:"cron"`
	Enabled bool   `yaml:"enabled"`
}

// SchedulerConfig lists the recurring jobs.
type SchedulerConfig struct {
	Jobs []ScheduledJob `yaml:"jobs"`
}

// AnalyzerConfig describes the external LLM agent subprocess.
type AnalyzerConfig struct {
	Binary            string   `yaml:"binary"`
	SkillsDir         string   `yaml:"skills_dir"`
	RequiredSkills    []string `yaml:"required_skills"`
	LargeSessionSkill string   `yaml:"large_session_skill"`
	LargeSessionBytes int64    `yaml:"large_session_bytes"` // default 1 MiB
	Timeout           string   `yaml:"timeout"`             // default 10m
	MaxOutputBytes    int64    `yaml:"max_output_bytes"`    // default 8 MiB
	PromptPath        string   `yaml:"prompt_path"`         // analysis prompt template
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama", "genai" or "mock"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Watcher: WatcherConfig{
			StabilityWindow: "30s",
			IdleWindow:      "5m",
			PollInterval:    "5s",
			EventBuffer:     256,
		},
		Segmenter: SegmenterConfig{
			ResumeGapMinutes: 10,
		},
		Queue: QueueConfig{
			BaseDelay:  "30s",
			MaxDelay:   "30m",
			StaleClaim: "30m",
			MaxRetriesByKind: map[string]int{
				"initial":              3,
				"reanalysis":           2,
				"connection_discovery": 2,
			},
		},
		Worker: WorkerConfig{
			Count:            0,
			JobTimeout:       "10m",
			EnqueueDiscovery: true,
			PollInterval:     "2s",
		},
		Scheduler: SchedulerConfig{
			Jobs: []ScheduledJob{
				{Kind: "reanalysis", Cron: "0 3 * * *", Enabled: true},
				{Kind: "connection_discovery", Cron: "30 * * * *", Enabled: true},
				{Kind: "pattern_aggregation", Cron: "15 2 * * *", Enabled: true},
				{Kind: "clustering", Cron: "45 4 * * 0", Enabled: false},
				{Kind: "backfill_embeddings", Cron: "0 * * * *", Enabled: true},
			},
		},
		Analyzer: AnalyzerConfig{
			Binary:            "engram-analyze",
			LargeSessionBytes: 1 << 20,
			Timeout:           "10m",
			MaxOutputBytes:    8 << 20,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (or the ENGRAM_CONFIG override, or the
// defaults when neither exists) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv(EnvDataDir); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv(EnvLogLevel); env != "" {
		cfg.Logging.Level = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every duration string and enum up front.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"watcher.stability_window": c.Watcher.StabilityWindow,
		"watcher.idle_window":      c.Watcher.IdleWindow,
		"watcher.poll_interval":    c.Watcher.PollInterval,
		"queue.base_delay":         c.Queue.BaseDelay,
		"queue.max_delay":          c.Queue.MaxDelay,
		"queue.stale_claim":        c.Queue.StaleClaim,
		"worker.job_timeout":       c.Worker.JobTimeout,
		"worker.poll_interval":     c.Worker.PollInterval,
		"analyzer.timeout":         c.Analyzer.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, v)
		}
	}
	if c.Worker.MinSegmentAge != "" {
		if _, err := time.ParseDuration(c.Worker.MinSegmentAge); err != nil {
			return fmt.Errorf("invalid duration for worker.min_segment_age: %q", c.Worker.MinSegmentAge)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Segmenter.ResumeGapMinutes < 0 {
		return fmt.Errorf("segmenter.resume_gap_minutes must be >= 0")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// StabilityWindowDuration returns the parsed stability window.
func (c WatcherConfig) StabilityWindowDuration() time.Duration {
	return parseDuration(c.StabilityWindow, 30*time.Second)
}

// IdleWindowDuration returns the parsed idle window.
func (c WatcherConfig) IdleWindowDuration() time.Duration {
	return parseDuration(c.IdleWindow, 5*time.Minute)
}

// PollIntervalDuration returns the parsed polling interval.
func (c WatcherConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 5*time.Second)
}

// BaseDelayDuration returns the parsed retry base delay.
func (c QueueConfig) BaseDelayDuration() time.Duration {
	return parseDuration(c.BaseDelay, 30*time.Second)
}

// MaxDelayDuration returns the parsed retry delay ceiling.
func (c QueueConfig) MaxDelayDuration() time.Duration {
	return parseDuration(c.MaxDelay, 30*time.Minute)
}

// StaleClaimDuration returns how long a running job may go without a live
// worker before it is reclaimable.
func (c QueueConfig) StaleClaimDuration() time.Duration {
	return parseDuration(c.StaleClaim, 30*time.Minute)
}

// MaxRetries returns the per-kind retry budget.
func (c QueueConfig) MaxRetries(kind string) int {
	if n, ok := c.MaxRetriesByKind[kind]; ok {
		return n
	}
	return 3
}

// PoolSize resolves the worker count: configured value, or NumCPU clamped
// to [1,16].
func (c WorkerConfig) PoolSize() int {
	if c.Count > 0 {
		return c.Count
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// JobTimeoutDuration returns the per-job deadline.
func (c WorkerConfig) JobTimeoutDuration() time.Duration {
	return parseDuration(c.JobTimeout, 10*time.Minute)
}

// PollIntervalDuration returns the idle claim poll interval.
func (c WorkerConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 2*time.Second)
}

// MinSegmentAgeDuration resolves the minimum segment age, falling back to
// the watcher stability window.
func (c WorkerConfig) MinSegmentAgeDuration(fallback time.Duration) time.Duration {
	if c.MinSegmentAge == "" {
		return fallback
	}
	return parseDuration(c.MinSegmentAge, fallback)
}

// TimeoutDuration returns the analyzer subprocess deadline.
func (c AnalyzerConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Minute)
}

// DatabasePath returns the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "engram.db")
}

// NodesDir returns the node document root under the data directory.
func (c *Config) NodesDir() string {
	return filepath.Join(c.DataDir, "nodes")
}

// PIDPath returns the daemon pid file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "engram.pid")
}
