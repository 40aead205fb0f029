package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	appErrors "github.com/charlesng35/sessionguard/pkg/errors"
	appValidator "github.com/charlesng35/sessionguard/pkg/validator"
)

func TestToAppError(t *testing.T) {
	cause := errors.New("disk full")

	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{name: "not found", err: fmt.Errorf("store: %w", sessions.ErrSessionNotFound), code: "SESSION_NOT_FOUND", status: http.StatusNotFound},
		{name: "not refreshable", err: sessions.ErrSessionNotRefreshable, code: "SESSION_NOT_REFRESHABLE", status: http.StatusConflict},
		{name: "device", err: security.ErrDeviceNotFound, code: "NOT_FOUND", status: http.StatusNotFound},
		{name: "rejected", err: fmt.Errorf("refresh: %w", idp.ErrRefreshRejected), code: "SESSION_INVALID", status: http.StatusUnauthorized},
		{name: "upstream", err: fmt.Errorf("refresh: %w", idp.ErrUpstream), code: "UPSTREAM_ERROR", status: http.StatusBadGateway},
		{name: "internal", err: cause, code: "INTERNAL_SERVER_ERROR", status: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			appErr := toAppError(tc.err)
			require.NotNil(t, appErr)
			require.Equal(t, tc.code, appErr.Code)
			require.Equal(t, tc.status, appErr.StatusCode)
		})
	}

	require.Nil(t, toAppError(nil))
	require.ErrorIs(t, toAppError(cause), cause)
}

func TestDenialError(t *testing.T) {
	require.Equal(t, appErrors.ErrRateLimit, denialError(sessions.ReasonRateLimited))
	require.Equal(t, appErrors.ErrSecurityDenied, denialError(""))

	appErr := denialError(security.ReasonDeviceBlocked)
	require.Equal(t, "SECURITY_DENIED", appErr.Code)
	require.Equal(t, http.StatusForbidden, appErr.StatusCode)
	require.Contains(t, appErr.Message, "device_blocked")
}

func TestFormatValidationError(t *testing.T) {
	require.Equal(t, "invalid request payload", formatValidationError(nil))
	require.Equal(t, "invalid request payload", formatValidationError(errors.New("boom")))

	msg := formatValidationError(appValidator.ValidationErrors{
		{Field: "user_id", Tag: "required"},
		{Field: "country", Tag: "max", Param: "8"},
		{Field: "scope", Tag: "oneof", Param: "a b"},
		{Field: "token", Tag: "jwt"},
	})
	require.Equal(t, "user id is required; country must be at most 8 characters; scope failed validation: oneof=a b; token failed validation: jwt", msg)
}
