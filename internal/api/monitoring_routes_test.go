package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/handlers/testutil"
)

func TestMonitoringSummaryRequiresAPIKey(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)

	// unauthenticated request should be rejected
	resp := env.RequestWithKey(http.MethodGet, "/api/monitoring/summary", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code, resp.Body.String())

	resp = env.Request(http.MethodGet, "/api/monitoring/summary", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}
