package embedding

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBudget struct {
	ensureErr error
	ensured   int
	recorded  []int64
}

func (f *fakeBudget) EnsureWithinBudget(_ context.Context, tier model.Tier) error {
	f.ensured++
	return f.ensureErr
}

func (f *fakeBudget) RecordUsage(_ context.Context, _ model.Tier, in, _ int64) error {
	f.recorded = append(f.recorded, in)
	return nil
}

type countingProvider struct {
	*NoopProvider
	calls      int
	batchSizes []int
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, int64, error) {
	c.calls++
	c.batchSizes = append(c.batchSizes, len(texts))
	return c.NoopProvider.EmbedBatch(ctx, texts)
}

func newTestService(budget BudgetGate, cacheSize, batchSize int) (*Service, *countingProvider) {
	p := &countingProvider{NoopProvider: NewNoopProvider("test-model", 8)}
	return NewService(p, budget, testLogger(), cacheSize, batchSize), p
}

func TestEmbedTextsCachesByContent(t *testing.T) {
	budget := &fakeBudget{}
	svc, provider := newTestService(budget, 16, 64)

	res, err := svc.EmbedTexts(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.CacheHits)
	assert.Equal(t, 1, res.APICalls)
	assert.Len(t, res.Vectors, 2)

	// Same texts again: all hits, no provider call.
	res2, err := svc.EmbedTexts(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, res2.CacheHits)
	assert.Equal(t, 0, res2.APICalls)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, res.Vectors, res2.Vectors)
}

func TestEmbedTextsNormalizesWhitespaceForCacheKey(t *testing.T) {
	svc, provider := newTestService(&fakeBudget{}, 16, 64)

	_, err := svc.EmbedTexts(context.Background(), []string{"hello   world"})
	require.NoError(t, err)

	res, err := svc.EmbedTexts(context.Background(), []string{"  hello\nworld "})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CacheHits)
	assert.Equal(t, 1, provider.calls)
}

func TestEmbedTextsRejectsEmptyAfterNormalization(t *testing.T) {
	svc, _ := newTestService(&fakeBudget{}, 16, 64)

	_, err := svc.EmbedTexts(context.Background(), []string{"ok", "   \n\t "})
	require.Error(t, err)
}

func TestEmbedTextsDeduplicatesWithinBatch(t *testing.T) {
	svc, provider := newTestService(&fakeBudget{}, 16, 64)

	res, err := svc.EmbedTexts(context.Background(), []string{"same", "same", "same"})
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)
	assert.Equal(t, []int{1}, provider.batchSizes)
	assert.Equal(t, res.Vectors[0], res.Vectors[1])
	assert.Equal(t, res.Vectors[0], res.Vectors[2])
}

func TestEmbedTextsSplitsBatches(t *testing.T) {
	svc, provider := newTestService(&fakeBudget{}, 64, 2)

	texts := []string{"a", "b", "c", "d", "e"}
	res, err := svc.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, 3, res.APICalls)
	assert.Equal(t, []int{2, 2, 1}, provider.batchSizes)
}

func TestEmbedTextsBudgetDenied(t *testing.T) {
	budget := &fakeBudget{ensureErr: assert.AnError}
	svc, provider := newTestService(budget, 16, 64)

	_, err := svc.EmbedTexts(context.Background(), []string{"text"})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, provider.calls, "denied call must not reach the provider")
}

func TestLRUEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", pgvector.NewVector([]float32{1}))
	c.put("b", pgvector.NewVector([]float32{2}))

	// Touch "a" so "b" is oldest.
	_, ok := c.get("a")
	require.True(t, ok)

	c.put("c", pgvector.NewVector([]float32{3}))
	assert.Equal(t, 2, c.len())

	_, ok = c.get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}
