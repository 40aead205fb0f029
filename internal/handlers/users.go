package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/pkg/response"
)

// UserHandler exposes per-user session and security administration.
type UserHandler struct {
	manager *sessions.Manager
}

// NewUserHandler constructs a handler backed by the session manager.
func NewUserHandler(manager *sessions.Manager) (*UserHandler, error) {
	if manager == nil {
		return nil, errors.New("user handler: manager is required")
	}
	return &UserHandler{manager: manager}, nil
}

type blockUserRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=255"`
	// KeepSessions leaves active sessions running; by default they are terminated.
	KeepSessions bool `json:"keep_sessions"`
}

// ListSessions returns the user's active sessions.
// GET /api/users/:id/sessions
func (h *UserHandler) ListSessions(c *gin.Context) {
	list, err := h.manager.GetUserSessions(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, list, &response.Meta{Total: len(list)})
}

// DestroySessions ends every active session of the user.
// DELETE /api/users/:id/sessions
func (h *UserHandler) DestroySessions(c *gin.Context) {
	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = sessions.ReasonLogout
	}

	ended, err := h.manager.DestroyUserSessions(requestContext(c), c.Param("id"), reason)
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"terminated": ended, "reason": reason})
}

// Block locks the user out and, unless asked otherwise, ends their sessions.
// POST /api/users/:id/block
func (h *UserHandler) Block(c *gin.Context) {
	var req blockUserRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	userID := c.Param("id")
	if err := h.manager.Security().BlockUser(ctx, userID, strings.TrimSpace(req.Reason)); err != nil {
		response.Error(c, toAppError(err))
		return
	}

	ended := 0
	if !req.KeepSessions {
		var err error
		ended, err = h.manager.DestroyUserSessions(ctx, userID, sessions.ReasonUserBlocked)
		if err != nil {
			response.Error(c, toAppError(err))
			return
		}
	}
	response.Success(c, http.StatusOK, gin.H{"blocked": true, "terminated": ended})
}

// Unblock lifts a block and resets the user's risk state.
// DELETE /api/users/:id/block
func (h *UserHandler) Unblock(c *gin.Context) {
	if err := h.manager.Security().UnblockUser(requestContext(c), c.Param("id")); err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"blocked": false})
}

// SecurityProfile returns the user's risk score, violations and known devices.
// GET /api/users/:id/security
func (h *UserHandler) SecurityProfile(c *gin.Context) {
	profile, err := h.manager.Security().Profile(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, profile)
}

// GetDevice returns one device record of the user.
// GET /api/users/:id/devices/:deviceID
func (h *UserHandler) GetDevice(c *gin.Context) {
	device, err := h.manager.Security().Device(requestContext(c), c.Param("id"), c.Param("deviceID"))
	if err != nil {
		response.Error(c, toAppError(err))
		return
	}
	if device == nil {
		response.Error(c, errDeviceNotFound)
		return
	}
	response.Success(c, http.StatusOK, device)
}

// TrustDevice marks a known device as trusted so fingerprint drift on it is tolerated.
// POST /api/users/:id/devices/:deviceID/trust
func (h *UserHandler) TrustDevice(c *gin.Context) {
	if err := h.manager.Security().TrustDevice(requestContext(c), c.Param("id"), c.Param("deviceID")); err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"trusted": true})
}

// BlockDevice denies every future session from a device.
// POST /api/users/:id/devices/:deviceID/block
func (h *UserHandler) BlockDevice(c *gin.Context) {
	if err := h.manager.Security().BlockDevice(requestContext(c), c.Param("id"), c.Param("deviceID")); err != nil {
		response.Error(c, toAppError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"blocked": true})
}
