// Package scheduler runs the periodic maintenance loop: a Scheduler
// enqueues named tasks onto a Redis list on fixed intervals, and a
// Worker pool pops and dispatches them through a handler registry with
// retries and a bounded dead-letter list.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

const (
	queueKey      = "horadus:tasks"
	deadLetterKey = "horadus:dead_letter"
	heartbeatKey  = "horadus:worker_heartbeat"

	deadLetterMax = 1000
	popTimeout    = 5 * time.Second
)

// Task names dispatched through the queue.
const (
	TaskProcessPendingItems  = "process_pending_items"
	TaskSnapshotTrends       = "snapshot_trends"
	TaskApplyTrendDecay      = "apply_trend_decay"
	TaskCheckEventLifecycles = "check_event_lifecycles"
	TaskReapStaleProcessing  = "reap_stale_processing_items"
	TaskCheckSourceFreshness = "check_source_freshness"
)

// Envelope is the wire form of one queued task.
type Envelope struct {
	Task        string    `json:"task"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempt     int       `json:"attempt"`
	Traceparent string    `json:"traceparent,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler enqueues tasks on their intervals.
type Scheduler struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	// Intervals maps task name to period; zero disables a task.
	intervals map[string]time.Duration
}

// New creates a scheduler.
func New(rdb redis.UniversalClient, logger *slog.Logger, intervals map[string]time.Duration) *Scheduler {
	return &Scheduler{rdb: rdb, logger: logger, intervals: intervals}
}

// Enqueue pushes one task onto the queue, propagating the current
// trace context in the envelope.
func (s *Scheduler) Enqueue(ctx context.Context, task string) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return pushEnvelope(ctx, s.rdb, queueKey, Envelope{
		Task:        task,
		EnqueuedAt:  time.Now().UTC(),
		Traceparent: carrier.Get("traceparent"),
	})
}

// Run ticks every configured task until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for task, interval := range s.intervals {
		if interval <= 0 {
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := s.Enqueue(ctx, task); err != nil {
						s.logger.Error("enqueue failed", "task", task, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Handler executes one task.
type Handler func(ctx context.Context) error

// Worker pops tasks and dispatches them.
type Worker struct {
	rdb        redis.UniversalClient
	logger     *slog.Logger
	handlers   map[string]Handler
	maxRetries int
	heartbeat  time.Duration
}

// NewWorker creates a worker pool front. maxRetries counts re-runs
// after the first attempt before a task dead-letters.
func NewWorker(rdb redis.UniversalClient, logger *slog.Logger, maxRetries int) *Worker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Worker{
		rdb:        rdb,
		logger:     logger,
		handlers:   make(map[string]Handler),
		maxRetries: maxRetries,
		heartbeat:  15 * time.Second,
	}
}

// Register binds a task name to its handler.
func (w *Worker) Register(task string, h Handler) {
	w.handlers[task] = h
}

// Run starts n worker goroutines plus the heartbeat, returning when
// the context ends.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runHeartbeat(ctx) })
	for i := 0; i < n; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vals, err := w.rdb.BRPop(ctx, popTimeout, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue pop failed", "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		// BRPOP returns [key, value].
		w.dispatch(ctx, vals[1])
	}
}

// ProcessOne pops and handles a single task if one is queued. Used by
// tests and drain tooling.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := w.rdb.RPop(ctx, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("scheduler: pop: %w", err)
	}
	w.dispatch(ctx, raw)
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		w.logger.Error("dropping malformed task envelope", "error", err)
		return
	}

	handler, ok := w.handlers[env.Task]
	if !ok {
		w.logger.Error("no handler for task, dead-lettering", "task", env.Task)
		env.LastError = "no handler registered"
		w.deadLetter(ctx, env)
		return
	}

	taskCtx := ctx
	if env.Traceparent != "" {
		taskCtx = otel.GetTextMapPropagator().Extract(ctx,
			propagation.MapCarrier{"traceparent": env.Traceparent})
	}

	start := time.Now()
	err := handler(taskCtx)
	if err == nil {
		w.logger.Info("task complete", "task", env.Task, "attempt", env.Attempt, "duration", time.Since(start))
		return
	}

	w.logger.Error("task failed", "task", env.Task, "attempt", env.Attempt, "error", err)
	env.LastError = err.Error()
	if env.Attempt >= w.maxRetries {
		w.deadLetter(ctx, env)
		return
	}
	env.Attempt++
	if pushErr := pushEnvelope(ctx, w.rdb, queueKey, env); pushErr != nil {
		w.logger.Error("requeue failed, dead-lettering", "task", env.Task, "error", pushErr)
		w.deadLetter(ctx, env)
	}
}

func (w *Worker) deadLetter(ctx context.Context, env Envelope) {
	if err := pushEnvelope(ctx, w.rdb, deadLetterKey, env); err != nil {
		w.logger.Error("dead-letter push failed", "task", env.Task, "error", err)
		return
	}
	if err := w.rdb.LTrim(ctx, deadLetterKey, 0, deadLetterMax-1).Err(); err != nil {
		w.logger.Error("dead-letter trim failed", "error", err)
	}
}

func (w *Worker) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		if err := w.rdb.Set(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339), 3*w.heartbeat).Err(); err != nil {
			w.logger.Error("heartbeat write failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LastHeartbeat reads the worker heartbeat, for the health endpoint.
func LastHeartbeat(ctx context.Context, rdb redis.UniversalClient) (time.Time, error) {
	raw, err := rdb.Get(ctx, heartbeatKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("scheduler: heartbeat read: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: heartbeat parse: %w", err)
	}
	return t, nil
}

// DeadLetters returns up to limit dead-lettered envelopes, newest first.
func DeadLetters(ctx context.Context, rdb redis.UniversalClient, limit int64) ([]Envelope, error) {
	raws, err := rdb.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: dead letters: %w", err)
	}
	out := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func pushEnvelope(ctx context.Context, rdb redis.UniversalClient, key string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("scheduler: marshal envelope: %w", err)
	}
	if err := rdb.LPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("scheduler: push: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
