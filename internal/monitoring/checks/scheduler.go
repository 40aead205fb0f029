package checks

import (
	"context"
	"strconv"
	"time"

	"github.com/charlesng35/sessionguard/internal/monitoring"
)

// SchedulerState is the view of the refresh scheduler the probe needs.
type SchedulerState interface {
	Running() bool
	Pending() int
}

// Scheduler reports degraded while the token refresh scheduler is not running. Sessions still
// validate without it, but tokens are only refreshed on demand.
func Scheduler(state SchedulerState) monitoring.Check {
	return monitoring.NewCheck("scheduler", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if state == nil || !state.Running() {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "refresh scheduler not running",
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  strconv.Itoa(state.Pending()) + " pending",
			Duration: time.Since(start),
		}
	})
}
