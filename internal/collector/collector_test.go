package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/model"
)

func TestNextWindowFromWatermark(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-time.Hour)
	src := model.Source{IngestionWindowEndAt: &mark}

	w := NextWindow(src, now, 10*time.Minute, 24*time.Hour)
	assert.Equal(t, mark.Add(-10*time.Minute), w.Start, "window overlaps the previous one")
	assert.Equal(t, now, w.End)
}

func TestNextWindowNoWatermarkBackfills(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w := NextWindow(model.Source{}, now, 10*time.Minute, 24*time.Hour)
	assert.Equal(t, now.Add(-24*time.Hour), w.Start)
	assert.Equal(t, now, w.End)
}

func TestNextWindowFutureWatermarkClamps(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mark := now.Add(time.Hour)
	src := model.Source{IngestionWindowEndAt: &mark}

	w := NextWindow(src, now, 0, 24*time.Hour)
	assert.Equal(t, now, w.Start, "window never starts after it ends")
	assert.Equal(t, now, w.End)
}

func TestStaticCollectorFiltersByWindow(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	inside := base.Add(6 * time.Hour)
	before := base.Add(-time.Hour)

	c := &StaticCollector{Items: []model.RawItem{
		{RawContent: "inside", PublishedAt: &inside},
		{RawContent: "before", PublishedAt: &before},
		{RawContent: "undated"},
	}}

	got, err := c.Fetch(context.Background(), model.Source{}, Window{Start: base, End: base.Add(12 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "inside", got[0].RawContent)
	assert.Equal(t, "undated", got[1].RawContent, "items without published_at always pass")
}
