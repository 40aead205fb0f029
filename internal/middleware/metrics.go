package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// LatencyObserver records HTTP request latency. monitoring.Module implements it.
type LatencyObserver interface {
	ObserveAPILatency(method, path, status string, duration time.Duration)
}

// Metrics records request latency metrics for each HTTP request.
func Metrics(observer LatencyObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if observer == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		observer.ObserveAPILatency(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
