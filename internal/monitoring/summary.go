package monitoring

import "time"

// Summary surfaces aggregated monitoring data for administrative dashboards.
type Summary struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Sessions    SessionSummary     `json:"sessions"`
	Validations ValidationSummary  `json:"validations"`
	Refreshes   RefreshSummary     `json:"refreshes"`
	Security    map[string]uint64  `json:"security"`
	Cleanup     CleanupSummary     `json:"cleanup"`
	Maintenance MaintenanceSummary `json:"maintenance"`
}

type SessionSummary struct {
	Created uint64 `json:"created"`
	Ended   uint64 `json:"ended"`
	Active  int64  `json:"active"`
}

type ValidationSummary struct {
	Valid   uint64 `json:"valid"`
	Invalid uint64 `json:"invalid"`
	Error   uint64 `json:"error"`
}

type RefreshSummary struct {
	Success   uint64 `json:"success"`
	Failure   uint64 `json:"failure"`
	Rejected  uint64 `json:"rejected"`
	Scheduled int64  `json:"scheduled"`
}

type CleanupSummary struct {
	Runs      uint64    `json:"runs"`
	Expired   uint64    `json:"expired"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
}

type MaintenanceSummary struct {
	Jobs []MaintenanceJobSummary `json:"jobs"`
}

type MaintenanceJobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	ConsecutiveSuccess  uint64        `json:"consecutive_success"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

// Snapshot returns a point-in-time summary of the module's counters.
func (m *Module) Snapshot() Summary {
	if m == nil || m.stats == nil {
		return Summary{GeneratedAt: time.Now()}
	}
	return m.stats.summary()
}
