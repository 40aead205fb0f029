package monitoring

import (
	"strings"
	"time"
)

// SessionCreated counts an admitted session.
func (m *Module) SessionCreated() {
	if m == nil {
		return
	}
	m.metrics.sessionsCreated.Inc()
	m.adjustActiveSessions(1)
	m.stats.sessionsCreated.Add(1)
}

// SessionEnded counts an ended session by reason.
func (m *Module) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.metrics.sessionsEnded.WithLabelValues(normalizeLabel(reason)).Inc()
	m.adjustActiveSessions(-1)
	m.stats.sessionsEnded.Add(1)
}

// SessionValidated records a validation outcome and its latency.
func (m *Module) SessionValidated(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.metrics.validations.WithLabelValues(label).Inc()
	observeDuration(m.metrics.validationLatency, elapsed)
	m.stats.recordValidation(label)
}

// TokenRefreshed records a refresh attempt.
func (m *Module) TokenRefreshed(trigger, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	trigger = normalizeLabel(trigger)
	outcome = normalizeLabel(outcome)
	m.metrics.tokenRefreshes.WithLabelValues(trigger, outcome).Inc()
	observeDuration(m.metrics.refreshLatency.WithLabelValues(trigger), elapsed)
	m.stats.recordRefresh(outcome)
}

// ScheduledRefreshes sets the pending refresh gauge.
func (m *Module) ScheduledRefreshes(pending int) {
	if m == nil {
		return
	}
	if pending < 0 {
		pending = 0
	}
	m.metrics.scheduledRefreshes.Set(float64(pending))
	m.stats.scheduledRefreshes.Store(int64(pending))
}

// SecurityEvent counts a security policy event.
func (m *Module) SecurityEvent(kind string) {
	if m == nil {
		return
	}
	label := normalizeLabel(kind)
	m.metrics.securityEvents.WithLabelValues(label).Inc()
	m.stats.securityEntry(label).Add(1)
}

// CleanupCompleted records a session cleanup run. Expired sessions also leave the active gauge.
func (m *Module) CleanupCompleted(expired int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if expired > 0 {
		m.metrics.cleanupExpired.Add(float64(expired))
		m.adjustActiveSessions(-int64(expired))
	}
	observeDuration(m.metrics.cleanupDuration, elapsed)
	m.stats.recordCleanup(expired, err)
}

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func (m *Module) ObserveAPILatency(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = sanitizePath(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	observeDuration(m.metrics.apiLatency.WithLabelValues(method, path, status), duration)
}

// RecordMaintenanceRun records the completion of a maintenance job.
func (m *Module) RecordMaintenanceRun(job, result, message string, duration time.Duration) {
	if m == nil {
		return
	}
	jobID := normalizeLabel(job)
	result = normalizeLabel(result)
	m.metrics.maintenanceRuns.WithLabelValues(jobID, result).Inc()
	observeDuration(m.metrics.maintenanceDuration.WithLabelValues(jobID), duration)
	if result == "success" {
		m.metrics.maintenanceLastRun.WithLabelValues(jobID).Set(float64(time.Now().Unix()))
	}
	m.stats.maintenanceEntry(jobID).record(result, strings.TrimSpace(message), duration)
}

func (m *Module) adjustActiveSessions(delta int64) {
	if m.stats.adjustActiveSessions(delta) {
		m.metrics.activeSessions.Set(0)
		return
	}
	m.metrics.activeSessions.Add(float64(delta))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}

func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "/" {
		return "root"
	}
	path = strings.Trim(path, "/")
	return strings.ReplaceAll(path, " ", "_")
}
