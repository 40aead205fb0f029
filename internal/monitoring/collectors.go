package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	sessionsCreated     prometheus.Counter
	sessionsEnded       *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	validations         *prometheus.CounterVec
	validationLatency   prometheus.Histogram
	tokenRefreshes      *prometheus.CounterVec
	refreshLatency      *prometheus.HistogramVec
	scheduledRefreshes  prometheus.Gauge
	securityEvents      *prometheus.CounterVec
	cleanupExpired      prometheus.Counter
	cleanupDuration     prometheus.Histogram
	apiLatency          *prometheus.HistogramVec
	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec
	maintenanceLastRun  *prometheus.GaugeVec
}

func newCollectors(namespace string) *collectors {
	buckets := prometheus.DefBuckets
	cleanupBuckets := []float64{
		0.1, 0.5, 1, 5, 15, 30, // seconds
		60, 120, 300, // minutes
	}

	return &collectors{
		sessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions admitted",
			},
		),
		sessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_ended_total",
				Help:      "Sessions ended by reason",
			},
			[]string{"reason"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions created minus sessions ended by this instance",
			},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_validations_total",
				Help:      "Session validations by outcome",
			},
			[]string{"outcome"},
		),
		validationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_validation_duration_seconds",
				Help:      "Session validation latency",
				Buckets:   buckets,
			},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Token refresh attempts by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		refreshLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Token refresh latency including the identity provider round trip",
				Buckets:   buckets,
			},
			[]string{"trigger"},
		),
		scheduledRefreshes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_refreshes",
				Help:      "Refreshes pending in the scheduler",
			},
		),
		securityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Security policy events by kind",
			},
			[]string{"kind"},
		),
		cleanupExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_cleanup_expired_total",
				Help:      "Sessions expired by cleanup",
			},
		),
		cleanupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_cleanup_duration_seconds",
				Help:      "Session cleanup run duration",
				Buckets:   cleanupBuckets,
			},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "API endpoint latency",
				Buckets:   buckets,
			},
			[]string{"method", "path", "status"},
		),
		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance job executions",
			},
			[]string{"job", "result"},
		),
		maintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintenance_duration_seconds",
				Help:      "Maintenance job duration",
				Buckets:   buckets,
			},
			[]string{"job"},
		),
		maintenanceLastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "maintenance_last_success_timestamp",
				Help:      "Timestamp of the last successful maintenance run (seconds since epoch)",
			},
			[]string{"job"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.sessionsCreated,
		c.sessionsEnded,
		c.activeSessions,
		c.validations,
		c.validationLatency,
		c.tokenRefreshes,
		c.refreshLatency,
		c.scheduledRefreshes,
		c.securityEvents,
		c.cleanupExpired,
		c.cleanupDuration,
		c.apiLatency,
		c.maintenanceRuns,
		c.maintenanceDuration,
		c.maintenanceLastRun,
	}
}

// observeDuration records a duration in seconds on the supplied histogram observer.
func observeDuration(observer prometheus.Observer, d time.Duration) {
	if observer == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	observer.Observe(d.Seconds())
}
