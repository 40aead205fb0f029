package checks

import (
	"context"
	"time"

	"github.com/charlesng35/sessionguard/internal/monitoring"
)

const defaultCacheTimeout = 2 * time.Second

// Cache returns a readiness probe for the shared cache tier. Session state and security profiles
// live there, so an unreachable cache is reported as down.
func Cache(client Pinger, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("cache", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if client == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "cache not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultCacheTimeout))
		defer cancel()

		if err := client.Ping(probeCtx); err != nil {
			return monitoring.ResultFromError("cache", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
