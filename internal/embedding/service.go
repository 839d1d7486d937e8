package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/horadus-ai/horadus/internal/model"
)

// BudgetGate is the slice of the cost tracker the embedding service uses.
type BudgetGate interface {
	EnsureWithinBudget(ctx context.Context, tier model.Tier) error
	RecordUsage(ctx context.Context, tier model.Tier, inputTokens, outputTokens int64) error
}

// Result reports what one EmbedTexts call did.
type Result struct {
	Vectors   []pgvector.Vector
	CacheHits int
	APICalls  int
}

// Service is the cache- and budget-aware front of a Provider.
type Service struct {
	provider  Provider
	budget    BudgetGate
	logger    *slog.Logger
	cache     *lruCache
	batchSize int
}

// NewService creates an embedding service.
func NewService(provider Provider, budget BudgetGate, logger *slog.Logger, cacheSize, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Service{
		provider:  provider,
		budget:    budget,
		logger:    logger,
		cache:     newLRUCache(cacheSize),
		batchSize: batchSize,
	}
}

// Model returns the underlying provider's model identifier.
func (s *Service) Model() string { return s.provider.Model() }

// EmbedTexts returns one vector per input text, in order. Texts are
// whitespace-normalized before hashing; empty-after-normalization input
// is rejected. Cache misses are deduplicated, grouped into provider
// batches, and budget-gated per provider call.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, nil
	}

	normalized := make([]string, len(texts))
	keys := make([]string, len(texts))
	for i, text := range texts {
		n := normalizeWhitespace(text)
		if n == "" {
			return Result{}, fmt.Errorf("embedding: text %d is empty after normalization", i)
		}
		normalized[i] = n
		sum := sha256.Sum256([]byte(n))
		keys[i] = hex.EncodeToString(sum[:])
	}

	res := Result{Vectors: make([]pgvector.Vector, len(texts))}

	// Resolve cache hits and collect unique misses.
	missIndex := make(map[string][]int) // key → positions wanting it
	var missKeys []string
	var missTexts []string
	for i, key := range keys {
		if vec, ok := s.cache.get(key); ok {
			res.Vectors[i] = vec
			res.CacheHits++
			continue
		}
		if _, seen := missIndex[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, normalized[i])
		}
		missIndex[key] = append(missIndex[key], i)
	}

	for start := 0; start < len(missTexts); start += s.batchSize {
		end := min(start+s.batchSize, len(missTexts))

		if err := s.budget.EnsureWithinBudget(ctx, model.TierEmbedding); err != nil {
			return Result{}, err
		}

		vecs, promptTokens, err := s.provider.EmbedBatch(ctx, missTexts[start:end])
		if err != nil {
			return Result{}, err
		}
		res.APICalls++

		if err := s.budget.RecordUsage(ctx, model.TierEmbedding, promptTokens, 0); err != nil {
			return Result{}, err
		}

		for j, vec := range vecs {
			key := missKeys[start+j]
			s.cache.put(key, vec)
			for _, pos := range missIndex[key] {
				res.Vectors[pos] = vec
			}
		}
	}

	return res, nil
}

// EmbedText is the single-text convenience wrapper.
func (s *Service) EmbedText(ctx context.Context, text string) (pgvector.Vector, error) {
	res, err := s.EmbedTexts(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return res.Vectors[0], nil
}

// normalizeWhitespace collapses all whitespace runs to single spaces and
// trims the ends. Hash keys are computed over this form so trivially
// reformatted copies of a text share a cache entry.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
