package monitoring_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/monitoring/checks"
)

func setupModule(t *testing.T) *monitoring.Module {
	t.Helper()

	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	return mod
}

func TestSummaryAggregatesMetrics(t *testing.T) {
	t.Parallel()
	mod := setupModule(t)

	mod.SessionCreated()
	mod.SessionCreated()
	mod.SessionEnded("logout")
	mod.SessionValidated("valid", 3*time.Millisecond)
	mod.SessionValidated("invalid", time.Millisecond)
	mod.TokenRefreshed("scheduled", "success", 40*time.Millisecond)
	mod.TokenRefreshed("manual", "rejected", 10*time.Millisecond)
	mod.ScheduledRefreshes(4)
	mod.SecurityEvent("rate_limit_exceeded")
	mod.SecurityEvent("rate_limit_exceeded")
	mod.CleanupCompleted(1, time.Second, nil)
	mod.RecordMaintenanceRun("session_cleanup", "success", "", time.Second)

	summary := mod.Snapshot()
	require.Equal(t, uint64(2), summary.Sessions.Created)
	require.Equal(t, uint64(1), summary.Sessions.Ended)
	require.Equal(t, int64(0), summary.Sessions.Active)
	require.Equal(t, uint64(1), summary.Validations.Valid)
	require.Equal(t, uint64(1), summary.Validations.Invalid)
	require.Equal(t, uint64(1), summary.Refreshes.Success)
	require.Equal(t, uint64(1), summary.Refreshes.Rejected)
	require.Equal(t, int64(4), summary.Refreshes.Scheduled)
	require.Equal(t, uint64(2), summary.Security["rate_limit_exceeded"])
	require.Equal(t, uint64(1), summary.Cleanup.Expired)
	require.Len(t, summary.Maintenance.Jobs, 1)
}

func TestActiveSessionsNeverNegative(t *testing.T) {
	t.Parallel()
	mod := setupModule(t)

	mod.SessionEnded("expired")
	mod.CleanupCompleted(3, time.Millisecond, nil)
	require.Equal(t, int64(0), mod.Snapshot().Sessions.Active)

	mod.SessionCreated()
	require.Equal(t, int64(1), mod.Snapshot().Sessions.Active)
}

func TestHandlerExposesSessionMetrics(t *testing.T) {
	t.Parallel()
	mod := setupModule(t)
	mod.SessionCreated()
	mod.TokenRefreshed("manual", "success", time.Millisecond)

	rec := httptest.NewRecorder()
	mod.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "sessionguard_sessions_created_total 1"))
	require.True(t, strings.Contains(body, `sessionguard_token_refreshes_total{outcome="success",trigger="manual"} 1`))
}

func TestHealthManagerEvaluate(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager()
	manager.RegisterReadiness(checks.Database(checks.PingFunc(func(context.Context) error { return nil }), 0))
	manager.RegisterReadiness(checks.Cache(checks.PingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), 0))

	report := manager.EvaluateReadiness(context.Background())
	require.False(t, report.Success)
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Len(t, report.Checks, 2)
	require.Equal(t, "cache", report.Checks[1].Component)
}

type fakeScheduler struct {
	running bool
	pending int
}

func (f fakeScheduler) Running() bool { return f.running }
func (f fakeScheduler) Pending() int  { return f.pending }

func TestSchedulerCheck(t *testing.T) {
	t.Parallel()

	result := checks.Scheduler(fakeScheduler{running: true, pending: 2}).Run(context.Background())
	require.Equal(t, monitoring.StatusUp, result.Status)
	require.Equal(t, "2 pending", result.Details)

	result = checks.Scheduler(fakeScheduler{}).Run(context.Background())
	require.Equal(t, monitoring.StatusDegraded, result.Status)
}

func TestMaintenanceCheck(t *testing.T) {
	t.Parallel()
	mod := setupModule(t)

	mod.RecordMaintenanceRun("session_cleanup", "success", "", time.Second)
	mod.RecordMaintenanceRun("security_cleanup", "failure", "timeout", time.Second)

	result := checks.Maintenance(mod, 0).Run(context.Background())
	require.Equal(t, monitoring.StatusDown, result.Status)
	require.NotEmpty(t, result.Details)
}
