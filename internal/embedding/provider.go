// Package embedding provides batched, cache-backed vector generation for
// raw items and events.
//
// A Provider turns text into vectors; the Service in front of it
// normalizes whitespace, deduplicates via an in-process LRU keyed by
// content SHA-256, splits provider calls into bounded batches, and routes
// every call through the cost tracker's embedding budget.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedBatch generates embeddings for multiple texts in input order.
	// Returned usage is the provider-reported prompt token count.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, int64, error)

	// Model returns the provider's model identifier, persisted as
	// embedding lineage next to every vector.
	Model() string

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// OpenAIProvider generates embeddings using the OpenAI embeddings API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}
}

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int64 `json:"prompt_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
// The response is validated for index alignment, exact dimensionality,
// and finite values before anything reaches storage.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, int64, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, 0, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, 0, fmt.Errorf("embedding: unmarshal response: %w", err)
	}

	if result.Error != nil {
		return nil, 0, fmt.Errorf("embedding: provider error: %s: %s", result.Error.Type, result.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if len(result.Data) != len(texts) {
		return nil, 0, fmt.Errorf("embedding: response has %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vecs := make([]pgvector.Vector, len(texts))
	seen := make([]bool, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, 0, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if seen[d.Index] {
			return nil, 0, fmt.Errorf("embedding: duplicate index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, 0, fmt.Errorf("embedding: vector at index %d has %d dimensions, want %d", d.Index, len(d.Embedding), p.dimensions)
		}
		for _, v := range d.Embedding {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, 0, fmt.Errorf("embedding: non-finite value in vector at index %d", d.Index)
			}
		}
		seen[d.Index] = true
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}

	return vecs, result.Usage.PromptTokens, nil
}

// NoopProvider returns deterministic pseudo-vectors derived from the
// text. Used in tests and when no API key is configured; identical texts
// map to identical vectors so similarity plumbing stays exercisable.
type NoopProvider struct {
	model string
	dims  int
}

// NewNoopProvider creates a deterministic offline provider.
func NewNoopProvider(model string, dims int) *NoopProvider {
	return &NoopProvider{model: model, dims: dims}
}

// Model returns the configured model identifier.
func (p *NoopProvider) Model() string { return p.model }

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// EmbedBatch returns one deterministic vector per text.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, int64, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		seed := h.Sum64()
		vals := make([]float32, p.dims)
		for j := range vals {
			seed = seed*6364136223846793005 + 1442695040888963407
			vals[j] = float32(int64(seed>>33))/float32(1<<31) - 0.5
		}
		vecs[i] = pgvector.NewVector(vals)
	}
	return vecs, 0, nil
}
