package handlers

import (
	"errors"
	"net/http"

	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	appErrors "github.com/charlesng35/sessionguard/pkg/errors"
)

var errDeviceNotFound = appErrors.New(appErrors.ErrNotFound.Code, "Device not found", http.StatusNotFound)

// toAppError maps session subsystem errors onto API errors. Infrastructure failures keep their
// cause as the internal error so it is logged but not returned to clients.
func toAppError(err error) *appErrors.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrSessionNotFound):
		return appErrors.ErrSessionNotFound
	case errors.Is(err, sessions.ErrSessionNotRefreshable):
		return appErrors.ErrSessionNotRefreshable
	case errors.Is(err, security.ErrDeviceNotFound):
		return errDeviceNotFound
	case errors.Is(err, idp.ErrRefreshRejected):
		return appErrors.ErrSessionInvalid.WithInternal(err)
	case errors.Is(err, idp.ErrUpstream):
		return appErrors.ErrUpstream.WithInternal(err)
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}

// denialError maps a policy denial reason onto an API error.
func denialError(reason string) *appErrors.AppError {
	switch reason {
	case sessions.ReasonRateLimited:
		return appErrors.ErrRateLimit
	case "":
		return appErrors.ErrSecurityDenied
	default:
		return appErrors.New(appErrors.ErrSecurityDenied.Code, "Request denied by security policy: "+reason, appErrors.ErrSecurityDenied.StatusCode)
	}
}
