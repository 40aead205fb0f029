package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/monitoring"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	manager *monitoring.HealthManager
	now     func() time.Time
}

// NewHealthHandler constructs a health handler. A nil manager makes every probe report disabled.
func NewHealthHandler(manager *monitoring.HealthManager) *HealthHandler {
	return &HealthHandler{manager: manager, now: time.Now}
}

// Health returns the readiness status without per-check details.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	if h.manager == nil {
		h.disabled(c)
		return
	}
	report := h.manager.EvaluateReadiness(requestContext(c))
	c.JSON(reportStatus(report), gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checked_at": h.now().UTC(),
	})
}

// Live reports whether the process is able to serve requests.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	if h.manager == nil {
		h.disabled(c)
		return
	}
	h.writeReport(c, h.manager.EvaluateLiveness(requestContext(c)))
}

// Ready reports whether the database, cache tier and refresh scheduler are usable.
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.manager == nil {
		h.disabled(c)
		return
	}
	h.writeReport(c, h.manager.EvaluateReadiness(requestContext(c)))
}

func (h *HealthHandler) writeReport(c *gin.Context, report monitoring.HealthReport) {
	c.JSON(reportStatus(report), gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": h.now().UTC(),
	})
}

func (h *HealthHandler) disabled(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"status":  "disabled",
	})
}

func reportStatus(report monitoring.HealthReport) int {
	if !report.Success {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
