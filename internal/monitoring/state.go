package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type statStore struct {
	sessionsCreated atomic.Uint64
	sessionsEnded   atomic.Uint64
	activeSessions  atomic.Int64

	validationsValid   atomic.Uint64
	validationsInvalid atomic.Uint64
	validationsError   atomic.Uint64

	refreshSuccess     atomic.Uint64
	refreshFailure     atomic.Uint64
	refreshRejected    atomic.Uint64
	scheduledRefreshes atomic.Int64

	cleanupRuns      atomic.Uint64
	cleanupExpired   atomic.Uint64
	cleanupLastRun   atomic.Int64 // unix nano
	cleanupLastError atomic.Value // string

	security    sync.Map // string -> *atomic.Uint64
	maintenance sync.Map // string -> *maintenanceStats
}

func newStatStore() *statStore {
	store := &statStore{}
	store.cleanupLastError.Store("")
	return store
}

func (s *statStore) summary() Summary {
	lastError, _ := s.cleanupLastError.Load().(string)
	var lastRun time.Time
	if nanos := s.cleanupLastRun.Load(); nanos > 0 {
		lastRun = time.Unix(0, nanos)
	}

	return Summary{
		GeneratedAt: time.Now(),
		Sessions: SessionSummary{
			Created: s.sessionsCreated.Load(),
			Ended:   s.sessionsEnded.Load(),
			Active:  s.activeSessions.Load(),
		},
		Validations: ValidationSummary{
			Valid:   s.validationsValid.Load(),
			Invalid: s.validationsInvalid.Load(),
			Error:   s.validationsError.Load(),
		},
		Refreshes: RefreshSummary{
			Success:   s.refreshSuccess.Load(),
			Failure:   s.refreshFailure.Load(),
			Rejected:  s.refreshRejected.Load(),
			Scheduled: s.scheduledRefreshes.Load(),
		},
		Security: s.cloneSecurity(),
		Cleanup: CleanupSummary{
			Runs:      s.cleanupRuns.Load(),
			Expired:   s.cleanupExpired.Load(),
			LastRunAt: lastRun,
			LastError: lastError,
		},
		Maintenance: MaintenanceSummary{
			Jobs: s.cloneMaintenance(),
		},
	}
}

// adjustActiveSessions applies delta and reports whether the value had to be clamped at zero.
func (s *statStore) adjustActiveSessions(delta int64) bool {
	if s.activeSessions.Add(delta) < 0 {
		s.activeSessions.Store(0)
		return true
	}
	return false
}

func (s *statStore) recordValidation(outcome string) {
	switch outcome {
	case "valid":
		s.validationsValid.Add(1)
	case "invalid":
		s.validationsInvalid.Add(1)
	default:
		s.validationsError.Add(1)
	}
}

func (s *statStore) recordRefresh(outcome string) {
	switch outcome {
	case "success":
		s.refreshSuccess.Add(1)
	case "rejected":
		s.refreshRejected.Add(1)
	default:
		s.refreshFailure.Add(1)
	}
}

func (s *statStore) recordCleanup(expired int, err error) {
	s.cleanupRuns.Add(1)
	if expired > 0 {
		s.cleanupExpired.Add(uint64(expired))
	}
	s.cleanupLastRun.Store(time.Now().UnixNano())
	message := ""
	if err != nil {
		message = err.Error()
	}
	s.cleanupLastError.Store(message)
}

func (s *statStore) securityEntry(kind string) *atomic.Uint64 {
	if value, ok := s.security.Load(kind); ok {
		return value.(*atomic.Uint64)
	}
	actual, _ := s.security.LoadOrStore(kind, &atomic.Uint64{})
	return actual.(*atomic.Uint64)
}

func (s *statStore) cloneSecurity() map[string]uint64 {
	out := map[string]uint64{}
	s.security.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func (s *statStore) cloneMaintenance() []MaintenanceJobSummary {
	summaries := []MaintenanceJobSummary{}
	s.maintenance.Range(func(key, value any) bool {
		job := key.(string)
		stats := value.(*maintenanceStats)
		summaries = append(summaries, stats.snapshot(job))
		return true
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Job < summaries[j].Job })
	return summaries
}

func (s *statStore) maintenanceEntry(job string) *maintenanceStats {
	value, ok := s.maintenance.Load(job)
	if ok {
		return value.(*maintenanceStats)
	}
	stats := &maintenanceStats{}
	actual, _ := s.maintenance.LoadOrStore(job, stats)
	return actual.(*maintenanceStats)
}

type maintenanceStats struct {
	lastStatus           atomic.Value // string
	lastError            atomic.Value // string
	lastRun              atomic.Int64 // unix nano
	lastDuration         atomic.Int64 // nanoseconds
	consecutiveFailures  atomic.Uint64
	totalRuns            atomic.Uint64
	lastSuccessfulRun    atomic.Int64
	consecutiveSuccesses atomic.Uint64
}

func (m *maintenanceStats) snapshot(job string) MaintenanceJobSummary {
	status, _ := m.lastStatus.Load().(string)
	errMsg, _ := m.lastError.Load().(string)
	lastRun := time.Unix(0, m.lastRun.Load())
	lastSuccess := time.Unix(0, m.lastSuccessfulRun.Load())

	return MaintenanceJobSummary{
		Job:                 job,
		LastStatus:          status,
		LastRunAt:           lastRun,
		LastDuration:        time.Duration(m.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		ConsecutiveSuccess:  m.consecutiveSuccesses.Load(),
		LastSuccessAt:       lastSuccess,
		TotalRuns:           m.totalRuns.Load(),
	}
}

func (m *maintenanceStats) record(result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	m.lastStatus.Store(result)
	m.lastError.Store(message)
	m.lastRun.Store(now.UnixNano())
	m.lastDuration.Store(int64(duration))
	m.totalRuns.Add(1)

	switch result {
	case "success":
		m.consecutiveFailures.Store(0)
		m.consecutiveSuccesses.Add(1)
		m.lastSuccessfulRun.Store(now.UnixNano())
	default:
		m.consecutiveFailures.Add(1)
		m.consecutiveSuccesses.Store(0)
	}
}
