package embedding

import (
	"context"
	"fmt"

	"engram/internal/logging"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI EMBEDDING ENGINE
// =============================================================================

// genaiMaxBatchSize is the maximum number of texts in one GenAI batch
// request; the API rejects larger batches with a 400.
const genaiMaxBatchSize = 100

// genaiDimensions is the requested output dimensionality.
const genaiDimensions = 768

func int32Ptr(i int32) *int32 { return &i }

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewGenAIEngine")
	defer timer.Stop()

	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	logging.Embedding("Initializing GenAI client: model=%s", model)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.Embed")
	defer timer.Stop()

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(genaiDimensions),
	})
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("GenAI.Embed: API call failed: %v", err)
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts, chunked to the API's
// batch limit.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiMaxBatchSize {
		end := start + genaiMaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}
		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: int32Ptr(genaiDimensions),
		})
		if err != nil {
			return nil, fmt.Errorf("genai batch embed failed at offset %d: %w", start, err)
		}
		if len(result.Embeddings) != end-start {
			return nil, fmt.Errorf("genai returned %d embeddings for %d texts", len(result.Embeddings), end-start)
		}
		for _, emb := range result.Embeddings {
			embeddings = append(embeddings, emb.Values)
		}
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *GenAIEngine) Dimensions() int {
	return genaiDimensions
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return "genai/" + e.model
}
