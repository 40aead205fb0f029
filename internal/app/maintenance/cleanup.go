package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/pkg/logger"
)

const (
	defaultSessionSpec  = "@every 5m"
	defaultSecuritySpec = "@hourly"
	defaultCacheSpec    = "@every 30m"
)

// Job names reported to the run recorder.
const (
	JobSessionCleanup  = "session_cleanup"
	JobSecurityCleanup = "security_cleanup"
	JobCachePurge      = "cache_entry_purge"
)

// Run results reported to the run recorder.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// SessionCleaner expires overdue sessions.
type SessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// SecurityCleaner prunes per-user security state.
type SecurityCleaner interface {
	Cleanup(ctx context.Context) (security.CleanupStats, error)
}

// RunRecorder receives the outcome of every job run.
type RunRecorder interface {
	RecordMaintenanceRun(job, result, message string, duration time.Duration)
}

// Cleaner schedules the background maintenance jobs: session expiry, security-state pruning and
// purging expired rows of the database-backed cache tier.
type Cleaner struct {
	sessions SessionCleaner
	security SecurityCleaner
	db       *gorm.DB
	recorder RunRecorder
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	enabled  bool

	sessionSchedule  string
	securitySchedule string
	cacheSchedule    string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cache purge comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRecorder reports every job run, typically to the monitoring module.
func WithRecorder(recorder RunRecorder) Option {
	return func(cleaner *Cleaner) {
		cleaner.recorder = recorder
	}
}

// WithCacheDB enables purging expired rows from the database cache table.
func WithCacheDB(db *gorm.DB) Option {
	return func(cleaner *Cleaner) {
		cleaner.db = db
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithSecuritySchedule overrides the cron specification for security-state cleanup.
func WithSecuritySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.securitySchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron specification for the cache purge.
func WithCacheSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cacheSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency results in
// the corresponding cleanup job being skipped.
func NewCleaner(sessionCleaner SessionCleaner, securityCleaner SecurityCleaner, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:         sessionCleaner,
		security:         securityCleaner,
		now:              time.Now,
		sessionSchedule:  defaultSessionSpec,
		securitySchedule: defaultSecuritySpec,
		cacheSchedule:    defaultCacheSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(
			cron.WithLogger(cron.DiscardLogger),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}

	cleaner.enabled = cleaner.sessions != nil || cleaner.security != nil || cleaner.db != nil
	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	for _, job := range c.jobs() {
		job := job
		if _, err := c.cron.AddFunc(job.spec, func() {
			if err := c.run(context.Background(), job); err != nil {
				c.log.Warn("maintenance job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s: %w", job.name, err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Used during startup and in tests.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, job := range c.jobs() {
		errs = multierr.Append(errs, c.run(ctx, job))
	}
	return errs
}

type job struct {
	name string
	spec string
	fn   func(ctx context.Context) (string, error)
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.sessions != nil {
		jobs = append(jobs, job{name: JobSessionCleanup, spec: c.sessionSchedule, fn: c.cleanupSessions})
	}
	if c.security != nil {
		jobs = append(jobs, job{name: JobSecurityCleanup, spec: c.securitySchedule, fn: c.cleanupSecurity})
	}
	if c.db != nil {
		jobs = append(jobs, job{name: JobCachePurge, spec: c.cacheSchedule, fn: c.purgeCache})
	}
	return jobs
}

func (c *Cleaner) run(ctx context.Context, j job) error {
	started := time.Now()
	message, err := j.fn(ctx)
	elapsed := time.Since(started)

	result := ResultSuccess
	switch {
	case errors.Is(err, sessions.ErrCleanupInProgress):
		result = ResultSkipped
		message = "previous run still in progress"
		err = nil
	case err != nil:
		result = ResultFailure
		message = err.Error()
	}

	if c.recorder != nil {
		c.recorder.RecordMaintenanceRun(j.name, result, message, elapsed)
	}
	if err == nil {
		c.log.Debug("maintenance job finished",
			zap.String("job", j.name),
			zap.String("result", result),
			zap.String("details", message),
			zap.Duration("duration", elapsed),
		)
	}
	return err
}

func (c *Cleaner) cleanupSessions(ctx context.Context) (string, error) {
	expired, err := c.sessions.CleanupExpiredSessions(ctx)
	return fmt.Sprintf("expired %d session(s)", expired), err
}

func (c *Cleaner) cleanupSecurity(ctx context.Context) (string, error) {
	stats, err := c.security.Cleanup(ctx)
	return fmt.Sprintf("scanned %d profile(s), cleared %d lockout(s), pruned %d violation(s), evicted %d device(s)",
		stats.ProfilesScanned, stats.LockoutsCleared, stats.ViolationsPruned, stats.DevicesEvicted), err
}

func (c *Cleaner) purgeCache(ctx context.Context) (string, error) {
	removed, err := CleanupCacheEntries(ctx, c.db, c.now())
	return fmt.Sprintf("removed %d cache entr(ies)", removed), err
}

// CleanupCacheEntries removes cache rows whose expiry has passed. Rows without an expiry are kept.
func CleanupCacheEntries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup cache entries: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("expires_at > ? AND expires_at < ?", time.Time{}, now).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup cache entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
