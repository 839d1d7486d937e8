// Command horadus runs the full platform in one process: the ingestion
// pipeline workers, the periodic scheduler, and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/horadus-ai/horadus/internal/cache"
	"github.com/horadus-ai/horadus/internal/calibration"
	"github.com/horadus-ai/horadus/internal/classify"
	"github.com/horadus-ai/horadus/internal/cluster"
	"github.com/horadus-ai/horadus/internal/collector"
	"github.com/horadus-ai/horadus/internal/config"
	"github.com/horadus-ai/horadus/internal/cost"
	"github.com/horadus-ai/horadus/internal/dedup"
	"github.com/horadus-ai/horadus/internal/embedding"
	"github.com/horadus-ai/horadus/internal/llm"
	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/pipeline"
	"github.com/horadus-ai/horadus/internal/ratelimit"
	"github.com/horadus-ai/horadus/internal/scheduler"
	"github.com/horadus-ai/horadus/internal/server"
	"github.com/horadus-ai/horadus/internal/storage"
	"github.com/horadus-ai/horadus/internal/telemetry"
	"github.com/horadus-ai/horadus/internal/trend"
	"github.com/horadus-ai/horadus/internal/webhook"
	"github.com/horadus-ai/horadus/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("HORADUS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("horadus starting", "version", version, "port", cfg.Port, "env", cfg.Environment)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	// Budget gate shared by embedding and both LLM tiers.
	tracker := cost.New(db, logger, cost.Limits{
		TierCalls: map[model.Tier]int64{
			model.TierOne:       cfg.Tier1MaxDailyCalls,
			model.TierTwo:       cfg.Tier2MaxDailyCalls,
			model.TierEmbedding: cfg.EmbeddingMaxDailyCalls,
		},
		DailyCostUSD: cfg.DailyCostLimitUSD,
	})

	var provider embedding.Provider
	if cfg.EmbeddingProvider == "noop" {
		provider = embedding.NewNoopProvider(cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	} else {
		provider = embedding.NewOpenAIProvider(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}
	embedder := embedding.NewService(provider, tracker, logger, cfg.EmbeddingCacheSize, cfg.EmbeddingBatchSize)

	deduper := dedup.New(db, logger, cfg.DedupWindowDays, cfg.DedupSimilarityThreshold, dedup.QueryStripAll)

	clusterer := cluster.New(db, logger, cluster.Config{
		SimilarityThreshold: cfg.ClusterSimilarityThreshold,
		Window:              time.Duration(cfg.ClusterTimeWindowHours) * time.Hour,
		FadeAfter:           time.Duration(cfg.EventFadeHours) * time.Hour,
		ArchiveAfter:        time.Duration(cfg.EventArchiveDays) * 24 * time.Hour,
	})

	semCache := cache.New(rdb, logger, "horadus:semcache", cfg.SemanticCacheTTL, cfg.SemanticCacheMaxEntries)
	policy := llm.RetryPolicy{MaxAttempts: cfg.LLMMaxAttempts, Backoff: cfg.LLMBackoff}

	tier1 := classify.NewTier1(
		llm.NewCachedInvoker(newInvoker(cfg, cfg.Tier1Model, tracker, policy, logger), semCache, cfg.Tier1Model, logger),
		logger, cfg.Tier1BatchSize, cfg.Tier1RelevanceThreshold)
	tier2 := classify.NewTier2(
		llm.NewCachedInvoker(newInvoker(cfg, cfg.Tier2Model, tracker, policy, logger), semCache, cfg.Tier2Model, logger),
		logger)

	engine := trend.New(db, logger, trend.Config{
		MaxDeltaPerEvent:    cfg.MaxDeltaPerEvent,
		MinProbability:      cfg.MinProbability,
		MaxProbability:      cfg.MaxProbability,
		DefaultHalfLifeDays: cfg.DefaultDecayHalfLifeDays,
	})

	orch := pipeline.New(db, deduper, embedder, clusterer, tier1, tier2, engine, logger, pipeline.Config{
		SupportedLanguages:      cfg.SupportedLanguages,
		UnsupportedLanguageMode: cfg.UnsupportedLanguageMode,
		BatchSize:               cfg.PipelineBatchSize,
	})

	calib := calibration.New(db, engine, logger)
	driftTh := calibration.DriftThresholds{
		MinResolved:    cfg.DriftMinResolvedOutcomes,
		BucketWarn:     cfg.DriftBucketWarn,
		BucketCritical: cfg.DriftBucketCritical,
		BrierWarn:      cfg.DriftBrierWarn,
		BrierCritical:  cfg.DriftBrierCritical,
	}
	notifier := webhook.New(cfg.DriftWebhookURL, logger, 5)
	runner := collector.NewRunner(db, logger)

	worker := scheduler.NewWorker(rdb, logger, 3)
	worker.Register(scheduler.TaskProcessPendingItems, func(ctx context.Context) error {
		_, err := orch.ProcessPending(ctx, cfg.PipelineBatchSize)
		return err
	})
	worker.Register(scheduler.TaskSnapshotTrends, func(ctx context.Context) error {
		if _, err := engine.SnapshotAll(ctx); err != nil {
			return err
		}
		// Drift is evaluated on the snapshot cadence: alerts only move
		// when new snapshots or outcomes land.
		alerts, err := calib.DriftAlerts(ctx, "", driftTh)
		if err != nil {
			return err
		}
		return notifier.NotifyDrift(ctx, "", alerts)
	})
	worker.Register(scheduler.TaskApplyTrendDecay, func(ctx context.Context) error {
		_, err := engine.ApplyDecay(ctx)
		return err
	})
	worker.Register(scheduler.TaskCheckEventLifecycles, func(ctx context.Context) error {
		_, _, err := clusterer.RunLifecycle(ctx)
		return err
	})
	worker.Register(scheduler.TaskReapStaleProcessing, func(ctx context.Context) error {
		_, err := orch.ReapStale(ctx, cfg.StaleProcessingAfter)
		return err
	})
	worker.Register(scheduler.TaskCheckSourceFreshness, func(ctx context.Context) error {
		_, err := runner.CheckFreshness(ctx, 4*cfg.FreshnessInterval)
		return err
	})

	sched := scheduler.New(rdb, logger, map[string]time.Duration{
		scheduler.TaskProcessPendingItems:  cfg.ProcessInterval,
		scheduler.TaskSnapshotTrends:       cfg.SnapshotInterval,
		scheduler.TaskApplyTrendDecay:      cfg.DecayInterval,
		scheduler.TaskCheckEventLifecycles: cfg.LifecycleInterval,
		scheduler.TaskReapStaleProcessing:  cfg.ReaperInterval,
		scheduler.TaskCheckSourceFreshness: cfg.FreshnessInterval,
	})

	limiter := ratelimit.NewMemoryLimiter(10, 30)
	defer limiter.Close()

	srv := server.New(server.Config{
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		APIKeys:             cfg.APIKeys,
		Limiter:             limiter,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}, server.HandlersDeps{
		DB:           db,
		Engine:       engine,
		Calibration:  calib,
		Tracker:      tracker,
		Redis:        rdb,
		Logger:       logger,
		MigrationsFS: migrations.FS,
		Drift:        driftTh,
		Version:      version,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx, cfg.WorkerCount) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("horadus ready", "workers", cfg.WorkerCount)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newInvoker builds the failover chain for one model: the primary
// provider plus the optional secondary endpoint.
func newInvoker(cfg config.Config, modelName string, tracker *cost.Tracker, policy llm.RetryPolicy, logger *slog.Logger) *llm.FailoverInvoker {
	routes := []llm.Route{{
		Name:   "primary",
		Client: llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, modelName, cfg.LLMTimeout),
	}}
	if cfg.LLMSecondaryURL != "" {
		routes = append(routes, llm.Route{
			Name:   "secondary",
			Client: llm.NewHTTPClient(cfg.LLMSecondaryURL, cfg.LLMSecondaryAPIKey, modelName, cfg.LLMTimeout),
		})
	}
	return llm.NewFailoverInvoker(routes, tracker, policy, logger)
}
