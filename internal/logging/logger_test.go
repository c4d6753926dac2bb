package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resetForTest clears the package state between tests.
func resetForTest() {
	CloseAll()
	logsDir = ""
	optsMu.Lock()
	opts = Options{}
	logLevel = LevelInfo
	optsMu.Unlock()
}

func TestInitializeCreatesLogs(t *testing.T) {
	defer resetForTest()
	dir := t.TempDir()

	if err := Initialize(dir, Options{Level: "info"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Queue("a queue message %d", 42)
	Watcher("watching %s", "/logs")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("Logs directory missing: %v", err)
	}
	var cats []string
	for _, e := range entries {
		cats = append(cats, e.Name())
	}
	joined := strings.Join(cats, " ")
	for _, want := range []string{"boot", "queue", "watcher"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected a %s log file, got %v", want, cats)
		}
	}
}

func TestLevelGating(t *testing.T) {
	defer resetForTest()
	dir := t.TempDir()
	if err := Initialize(dir, Options{Level: "warn"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	logger := Get(CategoryStore)
	logger.Info("this should be suppressed")
	logger.Warn("this should appear")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dir, "logs", "*_store.log"))
	if len(matches) != 1 {
		t.Fatalf("Expected one store log file, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	content := string(data)
	if strings.Contains(content, "suppressed") {
		t.Error("Info should be gated at warn level")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("Warn should be written")
	}
}

func TestCategoryDisable(t *testing.T) {
	defer resetForTest()
	dir := t.TempDir()
	err := Initialize(dir, Options{
		Level:      "info",
		Categories: map[string]bool{"queue": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Queue("should go nowhere")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dir, "logs", "*_queue.log"))
	if len(matches) != 0 {
		t.Errorf("Disabled category should not write files: %v", matches)
	}
}

func TestUninitializedIsNoOp(t *testing.T) {
	defer resetForTest()
	resetForTest()
	// Must not panic or create anything.
	Store("into the void")
	StartTimer(CategoryStore, "op").Stop()
}

func TestJSONFormat(t *testing.T) {
	defer resetForTest()
	dir := t.TempDir()
	if err := Initialize(dir, Options{Level: "info", JSONFormat: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Segment("segmented %d entries", 7)
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(dir, "logs", "*_segment.log"))
	if len(matches) != 1 {
		t.Fatalf("Expected segment log, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"cat":"segment"`) {
		t.Errorf("Expected JSON entry, got %q", string(data))
	}
}
