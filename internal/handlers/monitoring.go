package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/pkg/response"
)

// MonitoringHandler surfaces monitoring summaries for operators.
type MonitoringHandler struct {
	module  *monitoring.Module
	manager *sessions.Manager
	cfg     *app.Config
}

// NewMonitoringHandler constructs a monitoring handler. Returns nil when monitoring is disabled.
func NewMonitoringHandler(module *monitoring.Module, manager *sessions.Manager, cfg *app.Config) *MonitoringHandler {
	if module == nil || cfg == nil {
		return nil
	}
	if !cfg.Monitoring.Health.Enabled && !cfg.Monitoring.Prometheus.Enabled {
		return nil
	}
	return &MonitoringHandler{module: module, manager: manager, cfg: cfg}
}

// Summary returns aggregated session, refresh and maintenance statistics.
// GET /api/monitoring/summary
func (h *MonitoringHandler) Summary(c *gin.Context) {
	endpoint := strings.TrimSpace(h.cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}

	payload := gin.H{
		"summary": h.module.Snapshot(),
		"prometheus": gin.H{
			"enabled":  h.cfg.Monitoring.Prometheus.Enabled,
			"endpoint": endpoint,
		},
	}
	if h.manager != nil {
		payload["scheduler"] = h.manager.Stats()
	}

	response.Success(c, http.StatusOK, payload)
}
