package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/cashdesk/internal/observability"
	"github.com/odyssey-erp/cashdesk/internal/platform/httpx"
	"github.com/odyssey-erp/cashdesk/internal/register"
	registerhttp "github.com/odyssey-erp/cashdesk/internal/register/http"
	"github.com/odyssey-erp/cashdesk/internal/register/memory"
	"github.com/odyssey-erp/cashdesk/internal/shared"
	_ "github.com/odyssey-erp/cashdesk/internal/testing/guard"
)

func testConfig() *Config {
	return &Config{AppEnv: "test", RateLimitPerMinute: 0, DefaultLocale: "en"}
}

func newTestServer(t *testing.T, health map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messages := httpx.NewLocalizer("en")
	service := register.NewService(memory.New(), logger)
	return NewRouter(RouterParams{
		Logger:          logger,
		Config:          testConfig(),
		Messages:        messages,
		RegisterHandler: registerhttp.NewHandler(logger, service, registerhttp.Options{Messages: messages}),
		Metrics:         observability.NewMetrics(),
		Health:          health,
	})
}

func TestInTestModeUnderGuard(t *testing.T) {
	RefreshTestMode()
	assert.True(t, InTestMode())
}

func TestHealthzReportsChecks(t *testing.T) {
	router := newTestServer(t, map[string]HealthCheck{
		"storage": func(*http.Request) error { return nil },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["storage"])
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestHealthzDegraded(t *testing.T) {
	router := newTestServer(t, map[string]HealthCheck{
		"storage": func(*http.Request) error { return nil },
		"redis":   func(*http.Request) error { return errors.New("connection refused") },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestRouterOpensRegisterWithActorHeader(t *testing.T) {
	router := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/registers/4/sessions", strings.NewReader(`{"opening_balance":"50.00"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "12")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"opened_by":12`)

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `cashdesk_http_requests_total{code="201",route="/registers/{tillID}/sessions`)
}

func TestRouterRejectsMalformedActor(t *testing.T) {
	router := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/registers/4/sessions/current", nil)
	req.Header.Set(ActorHeader, "abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), httpx.CodeUnauthorized)
}

func TestActorMiddlewareStoresActor(t *testing.T) {
	var (
		got int64
		ok  bool
	)
	handler := ActorMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " 42 ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, ok)
	assert.Equal(t, int64(42), got)

	ok = true
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestOpenStorageMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storage, err := OpenStorage(context.Background(), &Config{StorageDriver: StorageMemory}, logger)
	require.NoError(t, err)
	defer storage.Close()
	assert.False(t, storage.Durable())
	assert.NoError(t, storage.Ping(context.Background()))
}
