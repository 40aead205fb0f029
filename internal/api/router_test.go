package api_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/api"
	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/handlers/testutil"
)

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := api.NewRouter(api.Dependencies{})
	require.Error(t, err)

	_, err = api.NewRouter(api.Dependencies{Config: &app.Config{}})
	require.Error(t, err)
}

func TestRouter_PublicAndProtectedRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	// Health is public.
	w := env.RequestWithKey(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/sessions"},
		{http.MethodGet, "/api/sessions/abc"},
		{http.MethodPost, "/api/sessions/abc/validate"},
		{http.MethodPost, "/api/sessions/abc/refresh"},
		{http.MethodDelete, "/api/sessions/abc"},
		{http.MethodGet, "/api/users/u1/sessions"},
		{http.MethodPost, "/api/users/u1/block"},
		{http.MethodGet, "/api/users/u1/security"},
		{http.MethodPost, "/api/users/u1/devices/d1/trust"},
	} {
		w := env.RequestWithKey(route.method, route.path, nil, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}
}

func TestRouter_NotFound(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateSession("user-1", "203.0.113.10")

	w := env.RequestWithKey(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.True(t, strings.Contains(body, "sessionguard_sessions_created_total"), "expected session counter in metrics output")
	require.True(t, strings.Contains(body, "sessionguard_api_latency_seconds"), "expected api latency histogram in metrics output")
}

func TestRouter_CustomMetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t, func(cfg *app.Config) {
		cfg.Monitoring.Prometheus.Endpoint = "/internal/metrics"
	})

	w := env.RequestWithKey(http.MethodGet, "/internal/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.RequestWithKey(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	env := testutil.NewEnv(t, func(cfg *app.Config) {
		cfg.Server.RateLimit.Requests = 2
	})

	for i := 0; i < 2; i++ {
		w := env.RequestWithKey(http.MethodGet, "/health/live", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.RequestWithKey(http.MethodGet, "/health/live", nil, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Equal(t, "RATE_LIMIT_EXCEEDED", testutil.DecodeResponse(t, w).Error.Code)
}
