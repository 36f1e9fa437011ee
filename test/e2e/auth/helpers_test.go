package auth_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/aussiebroadwan/authd/internal/auth/app"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
)

/*
 * End-to-end tests run one or more full authd replicas in-process against a
 * Postgres container, driving them over HTTP with the authsdk client.
 */

const (
	adminUsername = "admin@test.com"
	adminPassword = "Admin1234%"
	masterKey     = "e2e-master-key-0123456789abcdef"
)

// startPostgres runs a throwaway Postgres and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("authd"),
		tcpostgres.WithUsername("authd"),
		tcpostgres.WithPassword("authd"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

// configure sets the shared replica environment. Every replica of one test
// shares the database, the pepper and the master key.
func configure(t *testing.T, databaseURL string, env map[string]string) {
	t.Helper()
	base := map[string]string{
		"ENV":                       "test",
		"LOG_LEVEL":                 "error",
		"AUTH_DATABASE_URL":         databaseURL,
		"AUTH_PEPPER_FILE":          t.TempDir() + "/pepper",
		"AUTH_KEY_MODE":             "persistent",
		"AUTH_MASTER_KEY":           masterKey,
		"AUTH_SEED_ADMIN_PASSWORD":  adminPassword,
		"AUTH_TOKEN_RATE_LIMIT":     "1000",
		"AUTH_LOCKOUT_MAX_FAILURES": "3",
	}
	for k, v := range env {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
}

// startReplica wires a full application from the current environment and
// serves it over httptest.
func startReplica(t *testing.T) *authsdk.Client {
	t.Helper()
	cfg, err := app.LoadConfig()
	require.NoError(t, err)

	application, err := app.New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(application.Close)

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)
	return authsdk.NewClient(srv.URL)
}

func adminToken(t *testing.T, c *authsdk.Client) string {
	t.Helper()
	tok, err := c.PasswordGrant(t.Context(), adminUsername, adminPassword, "")
	require.NoError(t, err)
	return tok.AccessToken
}

func createUser(t *testing.T, c *authsdk.Client, username, password string) {
	t.Helper()
	_, err := c.CreateIdentity(t.Context(), adminToken(t, c), authsdk.CreateIdentityRequest{
		Username: username,
		Email:    username,
		Password: password,
	})
	require.NoError(t, err)
}

func requireOAuthError(t *testing.T, err error, code string) *authsdk.OAuth2Error {
	t.Helper()
	var oerr *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, code, oerr.Code, oerr.Description)
	return oerr
}
