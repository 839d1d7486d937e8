package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	handler := authMiddleware(newKeyStore([]string{"secret-key-1"}), okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trends", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsBearerAndHeader(t *testing.T) {
	handler := authMiddleware(newKeyStore([]string{"secret-key-1"}), okHandler())

	r := httptest.NewRequest(http.MethodGet, "/v1/trends", nil)
	r.Header.Set("Authorization", "Bearer secret-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	r = httptest.NewRequest(http.MethodGet, "/v1/trends", nil)
	r.Header.Set("X-API-Key", "secret-key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejectsWrongKey(t *testing.T) {
	handler := authMiddleware(newKeyStore([]string{"secret-key-1"}), okHandler())

	r := httptest.NewRequest(http.MethodGet, "/v1/trends", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDisabledWithNoKeys(t *testing.T) {
	handler := authMiddleware(newKeyStore(nil), okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trends", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKeyStoreRotate(t *testing.T) {
	ks := newKeyStore([]string{"old-key"})
	_, ok := ks.check("old-key")
	require.True(t, ok)

	ks.Rotate([]string{"new-key"})
	_, ok = ks.check("old-key")
	assert.False(t, ok)
	_, ok = ks.check("new-key")
	assert.True(t, ok)
}

func TestAuthPutsDigestInContext(t *testing.T) {
	var digest string
	handler := authMiddleware(newKeyStore([]string{"secret-key-1"}),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			digest = apiKeyDigestFromContext(r.Context())
		}))

	r := httptest.NewRequest(http.MethodGet, "/v1/trends", nil)
	r.Header.Set("X-API-Key", "secret-key-1")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, digestKey("secret-key-1"), digest)
	assert.Len(t, digest, 64)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, "caller-id", seen, "caller-supplied ID is kept")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testLogger(),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerRoutesRequireAuth(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(100, 100)
	defer limiter.Close()

	srv := New(Config{
		Port:    0,
		APIKeys: []string{"integration-test-key"},
		Limiter: limiter,
	}, HandlersDeps{Logger: testLogger()})

	for _, path := range []string{"/v1/trends", "/v1/budget", "/v1/calibration"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "/metrics needs no auth")
}
