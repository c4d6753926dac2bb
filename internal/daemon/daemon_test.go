package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"engram/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Watch = []string{t.TempDir()}
	cfg.Embedding.Provider = "mock"
	cfg.Analyzer.Binary = "engram-analyze"
	cfg.Watcher.PollInterval = "20ms"
	cfg.Watcher.StabilityWindow = "50ms"
	cfg.Worker.Count = 1
	cfg.Worker.PollInterval = "10ms"
	return cfg
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// PID file exists while running.
	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Errorf("PID file missing: %v", err)
	}

	h, err := d.Health()
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.PromptVersion == "" {
		t.Error("Health should report the prompt version")
	}
	if h.EmbeddingEngine != "mock" {
		t.Errorf("Expected mock engine, got %q", h.EmbeddingEngine)
	}
	if len(h.ScheduledJobs) == 0 {
		t.Error("Health should list scheduled jobs")
	}

	d.Stop()
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Error("PID file should be removed on stop")
	}
}

func TestDaemonIngestsReadySession(t *testing.T) {
	cfg := testConfig(t)
	watchDir := cfg.Watch[0]

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	content := `{"version":1,"cwd":"/p"}` + "\n" +
		`{"id":"e1","timestamp":"2026-08-01T10:00:00Z","type":"user","payload":{"text":"hi"}}` + "\n"
	if err := os.WriteFile(filepath.Join(watchDir, "s1.jsonl"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write session: %v", err)
	}

	// The watcher stabilizes the file and the bridge enqueues an initial
	// job. The job itself fails in the worker (no real analyzer binary),
	// which is fine: this test covers the wiring, not the analysis.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := d.Queue().Stats()
		if err == nil {
			total := 0
			for _, n := range stats {
				total += n
			}
			if total > 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected the ready session to reach the queue")
}

func TestMissingRequiredSkillAborts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analyzer.SkillsDir = t.TempDir() // empty: nothing discoverable
	cfg.Analyzer.RequiredSkills = []string{"session-analysis"}

	if _, err := New(cfg); err == nil {
		t.Fatal("Missing required skill must abort daemon construction")
	}
}
