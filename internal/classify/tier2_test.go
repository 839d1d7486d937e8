package classify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/model"
)

const validTier2JSON = `{
	"summary": "Armored units moved to the eastern border overnight",
	"extracted_what": "Troop redeployment toward border",
	"extracted_who": ["3rd Armored Division"],
	"extracted_where": "Narva crossing",
	"extracted_when": "2026-03-08T14:00:00+02:00",
	"claims": ["Convoys observed on highway E20"],
	"categories": ["military"],
	"trend_impacts": [
		{"trend_id": "eu-russia-escalation", "signal_type": "troop_movement",
		 "direction": "escalatory", "severity": 0.7, "confidence": 0.8,
		 "rationale": "direct movement evidence"}
	]
}`

func TestTier2ExtractValid(t *testing.T) {
	inv := &fakeInvoker{responses: []string{validTier2JSON}}
	tier2 := NewTier2(inv, testLogger())

	ev := model.Event{ID: uuid.New(), CanonicalSummary: "initial"}
	extraction, err := tier2.Extract(context.Background(), ev, nil, testTrends())
	require.NoError(t, err)

	assert.Equal(t, "Armored units moved to the eastern border overnight", extraction.Summary)
	assert.Equal(t, []string{"3rd Armored Division"}, extraction.Who)
	require.NotNil(t, extraction.When)
	assert.Equal(t, time.UTC, extraction.When.Location())
	assert.Equal(t, 12, extraction.When.Hour(), "offset timestamp must normalize to UTC")
	require.Len(t, extraction.Impacts, 1)
	assert.Equal(t, model.DirectionEscalatory, extraction.Impacts[0].Direction)
}

func TestTier2ApplyToEvent(t *testing.T) {
	inv := &fakeInvoker{responses: []string{validTier2JSON}}
	tier2 := NewTier2(inv, testLogger())

	ev := model.Event{ID: uuid.New(), CanonicalSummary: "initial"}
	extraction, err := tier2.Extract(context.Background(), ev, nil, testTrends())
	require.NoError(t, err)

	extraction.ApplyTo(&ev)
	assert.Equal(t, extraction.Summary, ev.CanonicalSummary)
	require.NotNil(t, ev.ExtractedClaims)
	assert.Len(t, ev.ExtractedClaims.TrendImpacts, 1)
	assert.Equal(t, []string{"Convoys observed on highway E20"}, ev.ExtractedClaims.Claims)
}

func TestTier2RejectsInvalidResponses(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			"empty summary",
			`{"summary": " ", "extracted_what": "x", "extracted_who": [], "claims": [], "categories": [], "trend_impacts": []}`,
			"summary is empty",
		},
		{
			"empty what",
			`{"summary": "s", "extracted_what": "", "extracted_who": [], "claims": [], "categories": [], "trend_impacts": []}`,
			"extracted_what is empty",
		},
		{
			"bad when",
			`{"summary": "s", "extracted_what": "x", "extracted_who": [], "extracted_when": "next tuesday", "claims": [], "categories": [], "trend_impacts": []}`,
			"not ISO-8601",
		},
		{
			"invalid direction",
			`{"summary": "s", "extracted_what": "x", "extracted_who": [], "claims": [], "categories": [],
			  "trend_impacts": [{"trend_id": "a", "signal_type": "b", "direction": "sideways", "severity": 0.5, "confidence": 0.5}]}`,
			"invalid direction",
		},
		{
			"severity out of range",
			`{"summary": "s", "extracted_what": "x", "extracted_who": [], "claims": [], "categories": [],
			  "trend_impacts": [{"trend_id": "a", "signal_type": "b", "direction": "escalatory", "severity": 1.5, "confidence": 0.5}]}`,
			"severity",
		},
		{
			"duplicate impact",
			`{"summary": "s", "extracted_what": "x", "extracted_who": [], "claims": [], "categories": [],
			  "trend_impacts": [
			    {"trend_id": "a", "signal_type": "b", "direction": "escalatory", "severity": 0.5, "confidence": 0.5},
			    {"trend_id": "a", "signal_type": "b", "direction": "escalatory", "severity": 0.2, "confidence": 0.9}]}`,
			"duplicate impact",
		},
		{
			"unknown field",
			`{"summary": "s", "extracted_what": "x", "extracted_who": [], "claims": [], "categories": [], "trend_impacts": [], "bonus": 1}`,
			"decode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeTier2(tt.json)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestTier2ParseWhenFormats(t *testing.T) {
	for _, s := range []string{"2026-03-08T14:00:00Z", "2026-03-08T14:00:00", "2026-03-08"} {
		got, err := parseWhen(s)
		require.NoError(t, err, s)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestTier2PayloadLimitsChunks(t *testing.T) {
	items := make([]model.RawItem, 7)
	for i := range items {
		items[i] = model.RawItem{ID: uuid.New(), RawContent: "chunk"}
	}
	payload := tier2Payload(model.Event{CanonicalSummary: "sum"}, items, testTrends())

	for i, item := range items {
		if i < tier2ItemLimit {
			assert.Contains(t, payload, item.ID.String())
		} else {
			assert.NotContains(t, payload, item.ID.String())
		}
	}
	assert.Contains(t, payload, "troop_movement")
}

func TestTruncateChars(t *testing.T) {
	long := make([]rune, 3000)
	for i := range long {
		long[i] = 'ж'
	}
	got := truncateChars(string(long), tier2ChunkChars)
	assert.Equal(t, tier2ChunkChars+1, len([]rune(got))) // content + ellipsis
	assert.Equal(t, "short", truncateChars("short", tier2ChunkChars))
}
