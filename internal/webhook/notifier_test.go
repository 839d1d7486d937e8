package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/calibration"
)

func testNotifier(url string, maxRetries uint64) *Notifier {
	n := New(url, slog.New(slog.NewTextHandler(io.Discard, nil)), maxRetries)
	n.interval = time.Millisecond
	return n
}

func sampleAlerts() []calibration.DriftAlert {
	return []calibration.DriftAlert{{
		TrendID:  "eu-russia-escalation",
		Severity: calibration.DriftCritical,
		Kind:     "mean_brier",
		Message:  "mean Brier score 0.810 over 10 resolved outcomes",
		Value:    0.81,
	}}
}

func TestNotifyDriftPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 2)
	require.NoError(t, n.NotifyDrift(context.Background(), "eu-russia-escalation", sampleAlerts()))

	assert.Equal(t, "calibration_drift", got.EventType)
	assert.Equal(t, "eu-russia-escalation", got.TrendScope)
	assert.Equal(t, 1, got.AlertCount)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "mean_brier", got.Alerts[0].Kind)
	assert.False(t, got.GeneratedAt.IsZero())
}

func TestNotifyDriftRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 5)
	require.NoError(t, n.NotifyDrift(context.Background(), "", sampleAlerts()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyDrift4xxIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 5)
	err := n.NotifyDrift(context.Background(), "", sampleAlerts())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx does not retry")
}

func TestNotifyDriftExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 2)
	err := n.NotifyDrift(context.Background(), "", sampleAlerts())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestNotifyDriftNoops(t *testing.T) {
	n := testNotifier("", 2)
	assert.NoError(t, n.NotifyDrift(context.Background(), "x", sampleAlerts()), "no URL configured")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not be called")
	}))
	defer srv.Close()
	n = testNotifier(srv.URL, 2)
	assert.NoError(t, n.NotifyDrift(context.Background(), "x", nil), "no alerts")
}

func TestTrendScopeDefaultsToGlobal(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := testNotifier(srv.URL, 1)
	require.NoError(t, n.NotifyDrift(context.Background(), "", sampleAlerts()))
	assert.Equal(t, "global", got.TrendScope)
}
