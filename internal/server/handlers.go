package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/horadus-ai/horadus/internal/calibration"
	"github.com/horadus-ai/horadus/internal/cost"
	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/scheduler"
	"github.com/horadus-ai/horadus/internal/storage"
	"github.com/horadus-ai/horadus/internal/trend"
)

// heartbeatMaxAge bounds how stale the worker heartbeat may be before
// the health check reports the worker pool down.
const heartbeatMaxAge = 2 * time.Minute

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db      *storage.DB
	engine  *trend.Engine
	calib   *calibration.Service
	tracker *cost.Tracker
	rdb     redis.UniversalClient
	logger  *slog.Logger

	migrationsFS fs.FS
	drift        calibration.DriftThresholds
	startedAt    time.Time
	version      string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB           *storage.DB
	Engine       *trend.Engine
	Calibration  *calibration.Service
	Tracker      *cost.Tracker
	Redis        redis.UniversalClient
	Logger       *slog.Logger
	MigrationsFS fs.FS
	Drift        calibration.DriftThresholds
	Version      string
}

// NewHandlers creates Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:           d.DB,
		engine:       d.Engine,
		calib:        d.Calibration,
		tracker:      d.Tracker,
		rdb:          d.Redis,
		logger:       d.Logger,
		migrationsFS: d.MigrationsFS,
		drift:        d.Drift,
		startedAt:    time.Now(),
		version:      d.Version,
	}
}

// HandleHealth handles GET /healthz: DB ping, Redis ping, migration
// parity, worker heartbeat freshness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	healthy := true

	if err := h.db.Ping(ctx); err != nil {
		components["database"] = "down: " + err.Error()
		healthy = false
	} else {
		components["database"] = "ok"
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		components["redis"] = "down: " + err.Error()
		healthy = false
	} else {
		components["redis"] = "ok"
	}

	if h.migrationsFS != nil {
		missing, err := h.db.MigrationParity(ctx, h.migrationsFS)
		switch {
		case err != nil:
			components["migrations"] = "check failed: " + err.Error()
			healthy = false
		case len(missing) > 0:
			components["migrations"] = fmt.Sprintf("%d unapplied", len(missing))
			healthy = false
		default:
			components["migrations"] = "ok"
		}
	}

	beat, err := scheduler.LastHeartbeat(ctx, h.rdb)
	switch {
	case err != nil:
		components["worker"] = "check failed: " + err.Error()
		healthy = false
	case beat.IsZero() || time.Since(beat) > heartbeatMaxAge:
		components["worker"] = "no recent heartbeat"
		healthy = false
	default:
		components["worker"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    h.version,
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
		"components": components,
	})
}

// trendView decorates a trend with its derived probability.
type trendView struct {
	model.Trend
	Probability     float64 `json:"probability"`
	ProbabilityBand string  `json:"probability_band"`
}

func (h *Handlers) trendView(t model.Trend) trendView {
	p := h.engine.Probability(t.CurrentLogOdds)
	return trendView{Trend: t, Probability: p, ProbabilityBand: calibration.ProbabilityBand(p)}
}

// HandleListTrends handles GET /v1/trends.
func (h *Handlers) HandleListTrends(w http.ResponseWriter, r *http.Request) {
	trends, err := h.db.ListActiveTrends(r.Context())
	if err != nil {
		h.internalError(w, r, "list trends", err)
		return
	}
	views := make([]trendView, 0, len(trends))
	for _, t := range trends {
		views = append(views, h.trendView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trends": views})
}

// HandleGetTrend handles GET /v1/trends/{trend_id}.
func (h *Handlers) HandleGetTrend(w http.ResponseWriter, r *http.Request) {
	t, err := h.db.GetTrend(r.Context(), r.PathValue("trend_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "trend not found")
			return
		}
		h.internalError(w, r, "get trend", err)
		return
	}
	writeJSON(w, http.StatusOK, h.trendView(t))
}

// HandleCreateTrend handles POST /v1/trends.
func (h *Handlers) HandleCreateTrend(w http.ResponseWriter, r *http.Request) {
	var t model.Trend
	if !h.decode(w, r, &t) {
		return
	}
	if t.ID == "" || t.Name == "" {
		writeError(w, r, http.StatusBadRequest, "id and name are required")
		return
	}
	for signal, ind := range t.Indicators {
		if !ind.Direction.Valid() {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("indicator %q: invalid direction %q", signal, ind.Direction))
			return
		}
		if ind.Weight <= 0 {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("indicator %q: weight must be positive", signal))
			return
		}
	}
	created, err := h.db.CreateTrend(r.Context(), t)
	if err != nil {
		h.internalError(w, r, "create trend", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.trendView(created))
}

// HandleTrendHistory handles GET /v1/trends/{trend_id}/history.
// Query: from, to (RFC3339, default last 30 days), bucket (hour|day).
func (h *Handlers) HandleTrendHistory(w http.ResponseWriter, r *http.Request) {
	trendID := r.PathValue("trend_id")
	now := time.Now().UTC()
	from, ok := h.queryTime(w, r, "from", now.AddDate(0, 0, -30))
	if !ok {
		return
	}
	to, ok := h.queryTime(w, r, "to", now)
	if !ok {
		return
	}
	bucket := storage.SnapshotBucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = storage.BucketHourly
	}
	if bucket != storage.BucketHourly && bucket != storage.BucketDaily {
		writeError(w, r, http.StatusBadRequest, "bucket must be 'hour' or 'day'")
		return
	}

	snaps, err := h.engine.History(r.Context(), trendID, from, to, bucket)
	if err != nil {
		h.internalError(w, r, "trend history", err)
		return
	}

	type point struct {
		Timestamp   time.Time `json:"timestamp"`
		LogOdds     float64   `json:"log_odds"`
		Probability float64   `json:"probability"`
	}
	points := make([]point, 0, len(snaps))
	for _, s := range snaps {
		points = append(points, point{
			Timestamp:   s.Timestamp,
			LogOdds:     s.LogOdds,
			Probability: h.engine.Probability(s.LogOdds),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trend_id": trendID,
		"bucket":   bucket,
		"points":   points,
	})
}

// HandleTrendEvidence handles GET /v1/trends/{trend_id}/evidence.
func (h *Handlers) HandleTrendEvidence(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
		limit = n
	}
	evidence, err := h.db.ListEvidence(r.Context(), r.PathValue("trend_id"), limit)
	if err != nil {
		h.internalError(w, r, "list evidence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": evidence})
}

// HandleRecordOutcome handles POST /v1/trends/{trend_id}/outcomes.
func (h *Handlers) HandleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutcomeDate time.Time         `json:"outcome_date"`
		Outcome     model.OutcomeKind `json:"outcome"`
		Notes       string            `json:"notes"`
		RecordedBy  string            `json:"recorded_by"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.OutcomeDate.IsZero() {
		req.OutcomeDate = time.Now().UTC()
	}

	out, err := h.calib.RecordOutcome(r.Context(), r.PathValue("trend_id"), req.OutcomeDate, req.Outcome, req.Notes, req.RecordedBy)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "trend not found")
			return
		}
		if errors.Is(err, calibration.ErrInvalidOutcome) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, r, "record outcome", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HandleCalibration handles GET /v1/trends/{trend_id}/calibration and
// GET /v1/calibration (global, empty trend_id).
func (h *Handlers) HandleCalibration(w http.ResponseWriter, r *http.Request) {
	from, ok := h.queryTime(w, r, "from", time.Time{})
	if !ok {
		return
	}
	to, ok := h.queryTime(w, r, "to", time.Time{})
	if !ok {
		return
	}
	report, err := h.calib.GetReport(r.Context(), r.PathValue("trend_id"), from, to)
	if err != nil {
		h.internalError(w, r, "calibration report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleDrift handles GET /v1/trends/{trend_id}/drift.
func (h *Handlers) HandleDrift(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.calib.DriftAlerts(r.Context(), r.PathValue("trend_id"), h.drift)
	if err != nil {
		h.internalError(w, r, "drift alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trend_id": r.PathValue("trend_id"),
		"alerts":   alerts,
	})
}

// HandleListSources handles GET /v1/sources.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.db.ListActiveSources(r.Context())
	if err != nil {
		h.internalError(w, r, "list sources", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// HandleCreateSource handles POST /v1/sources.
func (h *Handlers) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var s model.Source
	if !h.decode(w, r, &s) {
		return
	}
	if s.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if s.CredibilityScore < 0 || s.CredibilityScore > 1 {
		writeError(w, r, http.StatusBadRequest, "credibility_score must be in [0, 1]")
		return
	}
	created, err := h.db.CreateSource(r.Context(), s)
	if err != nil {
		h.internalError(w, r, "create source", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleFeedback handles POST /v1/feedback. The action's declared
// effect is applied synchronously: invalidate reverses the target
// event's evidence; override_delta resets a trend's log-odds to the
// corrected probability. pin and mark_noise only record the feedback —
// the clusterer and pipeline consult it on their next pass.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var f model.HumanFeedback
	if !h.decode(w, r, &f) {
		return
	}
	if !f.Action.Valid() {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown action %q", f.Action))
		return
	}
	switch f.TargetType {
	case model.TargetEvent, model.TargetTrend:
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown target_type %q", f.TargetType))
		return
	}
	if f.TargetID == "" {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}

	ctx := r.Context()
	saved, err := h.db.InsertFeedback(ctx, f)
	if err != nil {
		h.internalError(w, r, "insert feedback", err)
		return
	}

	response := map[string]any{"feedback": saved}

	switch saved.Action {
	case model.ActionInvalidate:
		if saved.TargetType != model.TargetEvent {
			writeError(w, r, http.StatusBadRequest, "invalidate applies to events")
			return
		}
		eventID, err := uuid.Parse(saved.TargetID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "target_id must be an event UUID")
			return
		}
		reversed, err := h.engine.InvalidateEventEvidence(ctx, eventID, saved.ID)
		if err != nil {
			h.internalError(w, r, "invalidate evidence", err)
			return
		}
		response["reversed_deltas"] = reversed

	case model.ActionOverrideDelta:
		if saved.TargetType != model.TargetTrend {
			writeError(w, r, http.StatusBadRequest, "override_delta applies to trends")
			return
		}
		if saved.CorrectedValue == nil || *saved.CorrectedValue <= 0 || *saved.CorrectedValue >= 1 {
			writeError(w, r, http.StatusBadRequest, "corrected_value must be a probability in (0, 1)")
			return
		}
		update, err := h.overrideTrend(ctx, saved.TargetID, *saved.CorrectedValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "trend not found")
				return
			}
			h.internalError(w, r, "override trend", err)
			return
		}
		response["trend_update"] = update
	}

	writeJSON(w, http.StatusCreated, response)
}

// overrideTrend sets a trend's log-odds to the analyst-corrected
// probability under the usual row lock.
func (h *Handlers) overrideTrend(ctx context.Context, trendID string, corrected float64) (trend.Update, error) {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return trend.Update{}, err
	}
	defer tx.Rollback(ctx)

	t, err := h.db.GetTrendForUpdate(ctx, tx, trendID)
	if err != nil {
		return trend.Update{}, err
	}
	newLogOdds := trend.Logit(corrected)
	if err := h.db.SetTrendLogOddsTx(ctx, tx, trendID, newLogOdds, time.Now().UTC()); err != nil {
		return trend.Update{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return trend.Update{}, err
	}
	return trend.Update{
		TrendID:             trendID,
		PreviousProbability: h.engine.Probability(t.CurrentLogOdds),
		NewProbability:      h.engine.Probability(newLogOdds),
		DeltaApplied:        newLogOdds - t.CurrentLogOdds,
	}, nil
}

// HandleBudget handles GET /v1/budget.
func (h *Handlers) HandleBudget(w http.ResponseWriter, r *http.Request) {
	summary, err := h.tracker.GetDailySummary(r.Context())
	if err != nil {
		h.internalError(w, r, "budget summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) queryTime(w http.ResponseWriter, r *http.Request, param string, def time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, param+" must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
