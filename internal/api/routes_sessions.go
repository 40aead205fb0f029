package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/handlers"
)

func registerSessionRoutes(api *gin.RouterGroup, handler *handlers.SessionHandler) {
	sessions := api.Group("/sessions")
	{
		sessions.POST("", handler.Create)
		sessions.GET("/:id", handler.Get)
		sessions.POST("/:id/validate", handler.Validate)
		sessions.POST("/:id/refresh", handler.Refresh)
		sessions.DELETE("/:id", handler.Destroy)
	}
}
