package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/handlers"
)

func registerUserRoutes(api *gin.RouterGroup, handler *handlers.UserHandler) {
	users := api.Group("/users")
	{
		users.GET("/:id/sessions", handler.ListSessions)
		users.DELETE("/:id/sessions", handler.DestroySessions)
		users.POST("/:id/block", handler.Block)
		users.DELETE("/:id/block", handler.Unblock)
		users.GET("/:id/security", handler.SecurityProfile)
		users.GET("/:id/devices/:deviceID", handler.GetDevice)
		users.POST("/:id/devices/:deviceID/trust", handler.TrustDevice)
		users.POST("/:id/devices/:deviceID/block", handler.BlockDevice)
	}
}
