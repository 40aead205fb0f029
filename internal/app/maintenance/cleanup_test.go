package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	testutil "github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
)

type stubSessions struct {
	mu      sync.Mutex
	calls   int
	expired int
	err     error
}

func (s *stubSessions) CleanupExpiredSessions(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.expired, s.err
}

type stubSecurity struct {
	calls int
	stats security.CleanupStats
	err   error
}

func (s *stubSecurity) Cleanup(context.Context) (security.CleanupStats, error) {
	s.calls++
	return s.stats, s.err
}

type recordedRun struct {
	job, result, message string
}

type recorder struct {
	mu   sync.Mutex
	runs []recordedRun
}

func (r *recorder) RecordMaintenanceRun(job, result, message string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedRun{job: job, result: result, message: message})
}

func TestCleanupCacheEntries(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&models.CacheEntry{Key: "expired", Value: []byte("1"), ExpiresAt: now.Add(-time.Hour)}).Error)
	require.NoError(t, db.Create(&models.CacheEntry{Key: "live", Value: []byte("1"), ExpiresAt: now.Add(time.Hour)}).Error)
	require.NoError(t, db.Create(&models.CacheEntry{Key: "forever", Value: []byte("1")}).Error)

	removed, err := CleanupCacheEntries(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var keys []string
	require.NoError(t, db.Model(&models.CacheEntry{}).Order("key").Pluck("key", &keys).Error)
	require.Equal(t, []string{"forever", "live"}, keys)

	_, err = CleanupCacheEntries(context.Background(), nil, now)
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.CacheEntry{Key: "stale", Value: []byte("x"), ExpiresAt: now.Add(-time.Minute)}).Error)

	sessionStub := &stubSessions{expired: 3}
	securityStub := &stubSecurity{stats: security.CleanupStats{ProfilesScanned: 2, LockoutsCleared: 1}}
	rec := &recorder{}

	c := NewCleaner(sessionStub, securityStub,
		WithCacheDB(db),
		WithNow(func() time.Time { return now }),
		WithRecorder(rec),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, c.RunOnce(context.Background()))

	require.Equal(t, 1, sessionStub.calls)
	require.Equal(t, 1, securityStub.calls)
	require.Equal(t, []recordedRun{
		{job: JobSessionCleanup, result: ResultSuccess, message: "expired 3 session(s)"},
		{job: JobSecurityCleanup, result: ResultSuccess, message: "scanned 2 profile(s), cleared 1 lockout(s), pruned 0 violation(s), evicted 0 device(s)"},
		{job: JobCachePurge, result: ResultSuccess, message: "removed 1 cache entr(ies)"},
	}, rec.runs)

	var count int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCleanerAggregatesFailures(t *testing.T) {
	sessionStub := &stubSessions{err: errors.New("database unavailable")}
	securityStub := &stubSecurity{err: errors.New("cache unavailable")}
	rec := &recorder{}

	c := NewCleaner(sessionStub, securityStub, WithRecorder(rec))
	err := c.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "database unavailable")
	require.ErrorContains(t, err, "cache unavailable")

	require.Len(t, rec.runs, 2)
	require.Equal(t, ResultFailure, rec.runs[0].result)
	require.Equal(t, ResultFailure, rec.runs[1].result)
}

func TestCleanerSkipsOverlappingSessionCleanup(t *testing.T) {
	sessionStub := &stubSessions{err: sessions.ErrCleanupInProgress}
	rec := &recorder{}

	c := NewCleaner(sessionStub, nil, WithRecorder(rec))
	require.NoError(t, c.RunOnce(context.Background()))
	require.Equal(t, []recordedRun{
		{job: JobSessionCleanup, result: ResultSkipped, message: "previous run still in progress"},
	}, rec.runs)
}

func TestCleanerReportsToMonitoring(t *testing.T) {
	module, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)

	c := NewCleaner(&stubSessions{expired: 1}, nil, WithRecorder(module))
	require.NoError(t, c.RunOnce(context.Background()))

	jobs := module.Snapshot().Maintenance.Jobs
	require.Len(t, jobs, 1)
	require.Equal(t, JobSessionCleanup, jobs[0].Job)
	require.Equal(t, uint64(1), jobs[0].TotalRuns)
}

func TestCleanerStartSchedulesJobs(t *testing.T) {
	scheduler := cron.New(cron.WithLogger(cron.DiscardLogger))
	c := NewCleaner(&stubSessions{}, &stubSecurity{},
		WithCron(scheduler),
		WithSessionSchedule("@every 1m"),
		WithSecuritySchedule("@every 2m"),
	)
	require.NoError(t, c.Start())
	t.Cleanup(func() { <-c.Stop().Done() })

	require.Len(t, scheduler.Entries(), 2)
}

func TestCleanerRejectsInvalidSchedule(t *testing.T) {
	c := NewCleaner(&stubSessions{}, nil, WithSessionSchedule("not a schedule"))
	require.Error(t, c.Start())
}

func TestCleanerWithoutJobsIsNoop(t *testing.T) {
	c := NewCleaner(nil, nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.RunOnce(context.Background()))
}
