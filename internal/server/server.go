package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/horadus-ai/horadus/internal/ratelimit"
)

// Server is the Horadus HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	keys       *keyStore
	logger     *slog.Logger
}

// Config holds the server's own settings; handler dependencies come in
// through HandlersDeps.
type Config struct {
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	APIKeys             []string
	Limiter             ratelimit.Limiter
	MaxRequestBodyBytes int64
}

// New builds the server with its middleware chain composed once.
func New(cfg Config, deps HandlersDeps) *Server {
	h := NewHandlers(deps)
	keys := newKeyStore(cfg.APIKeys)

	// Rate limit keyed by API-key digest, falling back to client IP on
	// unauthenticated deployments.
	rl := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) string {
		if digest := apiKeyDigestFromContext(r.Context()); digest != "" {
			return digest
		}
		return ratelimit.IPKeyFunc(r)
	})

	authed := func(next http.Handler) http.Handler {
		return authMiddleware(keys, rl(next))
	}

	mux := http.NewServeMux()

	// Unauthenticated operational surface.
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Trends.
	mux.Handle("GET /v1/trends", authed(http.HandlerFunc(h.HandleListTrends)))
	mux.Handle("POST /v1/trends", authed(http.HandlerFunc(h.HandleCreateTrend)))
	mux.Handle("GET /v1/trends/{trend_id}", authed(http.HandlerFunc(h.HandleGetTrend)))
	mux.Handle("GET /v1/trends/{trend_id}/history", authed(http.HandlerFunc(h.HandleTrendHistory)))
	mux.Handle("GET /v1/trends/{trend_id}/evidence", authed(http.HandlerFunc(h.HandleTrendEvidence)))

	// Calibration and outcomes.
	mux.Handle("POST /v1/trends/{trend_id}/outcomes", authed(http.HandlerFunc(h.HandleRecordOutcome)))
	mux.Handle("GET /v1/trends/{trend_id}/calibration", authed(http.HandlerFunc(h.HandleCalibration)))
	mux.Handle("GET /v1/trends/{trend_id}/drift", authed(http.HandlerFunc(h.HandleDrift)))
	mux.Handle("GET /v1/calibration", authed(http.HandlerFunc(h.HandleCalibration)))

	// Sources.
	mux.Handle("GET /v1/sources", authed(http.HandlerFunc(h.HandleListSources)))
	mux.Handle("POST /v1/sources", authed(http.HandlerFunc(h.HandleCreateSource)))

	// Analyst feedback and budget.
	mux.Handle("POST /v1/feedback", authed(http.HandlerFunc(h.HandleFeedback)))
	mux.Handle("GET /v1/budget", authed(http.HandlerFunc(h.HandleBudget)))

	var root http.Handler = mux
	root = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, root)
	root = recoveryMiddleware(deps.Logger, root)
	root = loggingMiddleware(deps.Logger, root)
	root = requestIDMiddleware(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  root,
		handlers: h,
		keys:     keys,
		logger:   deps.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RotateKeys replaces the accepted API key set at runtime.
func (s *Server) RotateKeys(keys []string) {
	s.keys.Rotate(keys)
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
