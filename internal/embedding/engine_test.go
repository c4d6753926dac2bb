package embedding

import (
	"context"
	"math"
	"strings"
	"testing"

	"engram/internal/types"
)

func TestMockEngineDeterministic(t *testing.T) {
	e := NewMockEngine(32)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	a2, _ := e.Embed(ctx, "hello world")
	b, _ := e.Embed(ctx, "goodbye world")

	if len(a1) != 32 {
		t.Fatalf("Expected 32 dimensions, got %d", len(a1))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("Mock embeddings must be deterministic")
		}
	}

	simAA, _ := CosineSimilarity(a1, a2)
	simAB, _ := CosineSimilarity(a1, b)
	if math.Abs(simAA-1) > 1e-6 {
		t.Errorf("Self-similarity should be 1, got %v", simAA)
	}
	if simAB >= simAA {
		t.Errorf("Distinct texts should be less similar: %v vs %v", simAB, simAA)
	}
}

func TestMockEngineUnitNorm(t *testing.T) {
	e := NewMockEngine(64)
	vec, _ := e.Embed(context.Background(), "normalize me")
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-4 {
		t.Errorf("Expected unit norm, got %v", math.Sqrt(norm))
	}
}

func TestCosineSimilarityMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("Length mismatch should error")
	}
}

func TestEmbedBatch(t *testing.T) {
	e := NewMockEngine(16)
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 vectors, got %d", len(out))
	}
}

func TestNewEngineProviders(t *testing.T) {
	if _, err := NewEngine(Config{Provider: "mock"}); err != nil {
		t.Errorf("Mock provider should construct: %v", err)
	}
	if _, err := NewEngine(Config{Provider: "ollama"}); err != nil {
		t.Errorf("Ollama provider should construct without contacting the server: %v", err)
	}
	if _, err := NewEngine(Config{Provider: "genai"}); err == nil {
		t.Error("GenAI without an API key should fail")
	}
	if _, err := NewEngine(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("Unknown provider should fail")
	}
}

func TestBuildNodeTextContent(t *testing.T) {
	node := &types.Node{
		Type:    types.TaskRefactoring,
		Outcome: types.OutcomePartial,
		Summary: "split the megafile",
		Decisions: []types.Decision{
			{What: "extract the codec", Why: "it had no dependencies"},
		},
		Lessons: []types.Lesson{
			{Level: types.LessonTool, Text: "gofmt handles the moves"},
		},
		Topics: []string{"refactoring"},
	}
	text := BuildNodeText(node)

	if !IsRichFormat(text) {
		t.Fatal("Text must carry the format marker")
	}
	for _, want := range []string{"refactoring", "split the megafile", "extract the codec", "gofmt handles the moves"} {
		if !strings.Contains(text, want) {
			t.Errorf("Embedding text missing %q:\n%s", want, text)
		}
	}
}
