package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	m.Grant("password", "success")
	m.Lockout()
	m.RefreshRotated()
	m.KeyRotated()
	m.HashStarted()()
	m.HousekeepingDeleted("refresh_tokens", 3)
	require.Nil(t, m.Registry())
}

func TestGrantCounter(t *testing.T) {
	m := metrics.New()
	m.Grant("password", "success")
	m.Grant("password", "success")
	m.Grant("password", "invalid_credentials")

	expected := `
# HELP authd_grants_total Token grants processed, by grant type and outcome.
# TYPE authd_grants_total counter
authd_grants_total{grant_type="password",outcome="invalid_credentials"} 1
authd_grants_total{grant_type="password",outcome="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "authd_grants_total"))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := metrics.New()
	m.Lockout()
	m.HashStarted()()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "authd_lockouts_total 1")
	require.Contains(t, body, "authd_password_hash_seconds_count 1")
	require.Contains(t, body, "go_goroutines")
}
