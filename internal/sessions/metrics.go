package sessions

import "time"

// Metrics receives session lifecycle measurements. Implementations must be safe for concurrent
// use; the Prometheus-backed monitoring module is the production implementation.
type Metrics interface {
	SessionCreated()
	SessionValidated(outcome string, elapsed time.Duration)
	SessionEnded(reason string)
	TokenRefreshed(trigger, outcome string, elapsed time.Duration)
	SecurityEvent(kind string)
	ScheduledRefreshes(pending int)
	CleanupCompleted(expired int, elapsed time.Duration, err error)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) SessionCreated()                              {}
func (NopMetrics) SessionValidated(string, time.Duration)       {}
func (NopMetrics) SessionEnded(string)                          {}
func (NopMetrics) TokenRefreshed(string, string, time.Duration) {}
func (NopMetrics) SecurityEvent(string)                         {}
func (NopMetrics) ScheduledRefreshes(int)                       {}
func (NopMetrics) CleanupCompleted(int, time.Duration, error)   {}
