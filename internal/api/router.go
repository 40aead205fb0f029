package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/handlers"
	"github.com/charlesng35/sessionguard/internal/middleware"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/sessions"
)

// Dependencies carries the services the HTTP layer is built on.
type Dependencies struct {
	Config     *app.Config
	Manager    *sessions.Manager
	Monitoring *monitoring.Module
	// RateStore backs the per-route request limiter. A nil store disables it.
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers the session API.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if deps.Manager == nil {
		return nil, errors.New("session manager must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	if deps.Monitoring != nil {
		r.Use(middleware.Metrics(deps.Monitoring))
	}
	r.Use(middleware.SecurityHeaders())
	if deps.RateStore != nil {
		r.Use(middleware.RateLimit(deps.RateStore, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window))
	}

	registerHealthRoutes(r, cfg, deps.Monitoring)
	registerMetricsRoute(r, cfg, deps.Monitoring)

	api := r.Group("/api")
	api.Use(middleware.APIKey(cfg.Server.APIKeys))

	sessionHandler, err := handlers.NewSessionHandler(deps.Manager)
	if err != nil {
		return nil, err
	}
	registerSessionRoutes(api, sessionHandler)

	userHandler, err := handlers.NewUserHandler(deps.Manager)
	if err != nil {
		return nil, err
	}
	registerUserRoutes(api, userHandler)

	registerMonitoringRoutes(api, handlers.NewMonitoringHandler(deps.Monitoring, deps.Manager, cfg))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func registerMetricsRoute(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	if mon == nil || !cfg.Monitoring.Prometheus.Enabled {
		return
	}
	endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}
	r.GET(endpoint, gin.WrapH(mon.Handler()))
}
