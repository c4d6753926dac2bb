package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Watcher.StabilityWindowDuration() != 30*time.Second {
		t.Errorf("Default stability window wrong: %v", cfg.Watcher.StabilityWindowDuration())
	}
	if cfg.Watcher.IdleWindowDuration() != 5*time.Minute {
		t.Errorf("Default idle window wrong: %v", cfg.Watcher.IdleWindowDuration())
	}
	if cfg.Segmenter.ResumeGapMinutes != 10 {
		t.Errorf("Default resume gap wrong: %d", cfg.Segmenter.ResumeGapMinutes)
	}
	if cfg.Worker.JobTimeoutDuration() != 10*time.Minute {
		t.Errorf("Default job timeout wrong: %v", cfg.Worker.JobTimeoutDuration())
	}
	if n := cfg.Worker.PoolSize(); n < 1 || n > 16 {
		t.Errorf("Pool size out of clamp range: %d", n)
	}
	if cfg.Queue.MaxRetries("initial") != 3 {
		t.Errorf("Default initial retries wrong: %d", cfg.Queue.MaxRetries("initial"))
	}
	if cfg.Queue.MaxRetries("never-heard-of-it") != 3 {
		t.Errorf("Unknown kind should default to 3 retries")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	content := `
data_dir: /var/lib/engram
watch:
  - /logs/claude
  - /logs/codex
watcher:
  stability_window: 10s
segmenter:
  resume_gap_minutes: 5
worker:
  count: 2
analyzer:
  binary: my-analyzer
  required_skills: [session-analysis]
embedding:
  provider: mock
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/engram" {
		t.Errorf("data_dir wrong: %q", cfg.DataDir)
	}
	if len(cfg.Watch) != 2 {
		t.Errorf("watch wrong: %v", cfg.Watch)
	}
	if cfg.Watcher.StabilityWindowDuration() != 10*time.Second {
		t.Errorf("stability window override lost: %v", cfg.Watcher.StabilityWindow)
	}
	// Unset values keep defaults.
	if cfg.Watcher.IdleWindowDuration() != 5*time.Minute {
		t.Errorf("idle window default lost: %v", cfg.Watcher.IdleWindow)
	}
	if cfg.Worker.PoolSize() != 2 {
		t.Errorf("worker count override lost: %d", cfg.Worker.PoolSize())
	}
	if cfg.Analyzer.Binary != "my-analyzer" {
		t.Errorf("analyzer binary override lost: %q", cfg.Analyzer.Binary)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDataDir, "/env/data")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/env/data" {
		t.Errorf("%s override lost: %q", EnvDataDir, cfg.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("%s override lost: %q", EnvLogLevel, cfg.Logging.Level)
	}
}

func TestEnvConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt.yaml")
	os.WriteFile(path, []byte("data_dir: /alt\n"), 0644)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/alt" {
		t.Errorf("%s should win over the argument: %q", EnvConfigPath, cfg.DataDir)
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Watcher.StabilityWindow = "not-a-duration"
	if err := cfg.Validate(); err == nil {
		t.Error("Bad duration should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "shouting"
	if err := cfg.Validate(); err == nil {
		t.Error("Bad log level should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Segmenter.ResumeGapMinutes = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Negative resume gap should fail validation")
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing file should fall back to defaults: %v", err)
	}
	if cfg.DataDir != "data" {
		t.Errorf("Expected default data dir, got %q", cfg.DataDir)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/d"
	if cfg.DatabasePath() != filepath.Join("/d", "engram.db") {
		t.Errorf("DatabasePath wrong: %s", cfg.DatabasePath())
	}
	if cfg.NodesDir() != filepath.Join("/d", "nodes") {
		t.Errorf("NodesDir wrong: %s", cfg.NodesDir())
	}
}
