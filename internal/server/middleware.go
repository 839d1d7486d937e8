// Package server exposes the consumer-facing HTTP surface: trends and
// their history, calibration and outcomes, analyst feedback, budget and
// health. Auth is bearer API keys checked against SHA-256 digests.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAPIKey    contextKey = "api_key_digest"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// apiKeyDigestFromContext returns the SHA-256 digest of the presented
// API key, or "" when auth is disabled.
func apiKeyDigestFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyAPIKey).(string); ok {
		return v
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()))
				writeError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// keyStore holds the accepted API keys as SHA-256 digests. Lookups are
// by digest so raw keys never sit in memory past startup, and the mutex
// permits runtime rotation.
type keyStore struct {
	mu      sync.RWMutex
	digests map[string]struct{}
}

func newKeyStore(keys []string) *keyStore {
	ks := &keyStore{digests: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		ks.digests[digestKey(k)] = struct{}{}
	}
	return ks
}

// enabled reports whether any keys are configured. An empty store
// disables auth (development only; production config forbids it).
func (ks *keyStore) enabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.digests) > 0
}

func (ks *keyStore) check(key string) (digest string, ok bool) {
	digest = digestKey(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok = ks.digests[digest]
	return digest, ok
}

// Rotate replaces the accepted key set.
func (ks *keyStore) Rotate(keys []string) {
	digests := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		digests[digestKey(k)] = struct{}{}
	}
	ks.mu.Lock()
	ks.digests = digests
	ks.mu.Unlock()
}

func digestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authMiddleware accepts the key from Authorization: Bearer or
// X-API-Key and stores its digest in the context for rate limiting.
func authMiddleware(ks *keyStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ks.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := bearerToken(r)
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, "missing API key")
			return
		}
		digest, ok := ks.check(key)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAPIKey, digest)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
