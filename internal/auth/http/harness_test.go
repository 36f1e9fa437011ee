package http_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	authhttp "github.com/aussiebroadwan/authd/internal/auth/http"
	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"github.com/stretchr/testify/require"
)

const (
	adminUser     = "admin@test.com"
	adminPassword = "Test1234%"
	userPassword  = "correct horse battery staple"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type server struct {
	*httptest.Server
	client *authsdk.Client
	clock  *clock
	creds  *service.CredentialStore
	ring   *jwtx.KeyRing
}

type option func(*authhttp.Router)

func withTokenLimit(cfg httpx.RateLimitConfig) option {
	return func(r *authhttp.Router) { r.TokenRateLimit = cfg }
}

// newServer runs the full router over a fresh SQLite database seeded with
// the default admin (lockout disabled) and a "user" role.
func newServer(t *testing.T, opts ...option) *server {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	key, _, err := jwtx.GenerateKey(cryptox.AlgEdDSA, 0, clk.Now())
	require.NoError(t, err)
	ring, err := jwtx.NewKeyRing(jwtx.KeyRingOptions{Issuer: "authd-test", Now: clk.Now}, key)
	require.NoError(t, err)

	hasher := cryptox.NewPasswordHasher(nil)
	hasher.Params.Memory = 64
	hasher.Params.Iterations = 1
	m := metrics.New()
	passwords, err := service.NewPasswordVerifier(hasher, 4, m)
	require.NoError(t, err)

	creds := &service.CredentialStore{Store: st, Passwords: passwords, RetryMax: time.Second, Now: clk.Now}
	tracker := &service.LockoutTracker{Store: st, Policy: domain.DefaultLockoutPolicy(), RetryMax: time.Second, Metrics: m, Now: clk.Now}
	issuer := &service.TokenIssuer{Store: st, Ring: ring, Issuer: "authd-test", Now: clk.Now}
	validator := &service.TokenValidator{Store: st, Ring: ring, RetryMax: time.Second, Now: clk.Now}
	grants := service.NewGrantProcessor(service.GrantDeps{
		Store:       st,
		Credentials: creds,
		Passwords:   passwords,
		Issuer:      issuer,
		Validator:   validator,
		Tracker:     tracker,
		Scopes: service.ScopePolicy{
			Default: []string{"openid", "profile", "offline_access"},
			Allowed: []string{"openid", "profile", "offline_access", "email"},
		},
		Metrics:  m,
		RetryMax: time.Second,
		Now:      clk.Now,
	})

	seed := service.DefaultSeed(adminPassword)
	seed.Roles = append(seed.Roles, "user")
	require.NoError(t, (&service.Seeder{Credentials: creds}).Apply(ctx, seed))

	r := authhttp.NewRouter(ring, "test", st, slogx.Discard())
	r.Grants = grants
	r.Validator = validator
	r.Credentials = creds
	r.Tracker = tracker
	r.Metrics = m
	r.Keys = &service.KeyRotationService{
		Ring:      ring,
		Mode:      service.KeyModeEphemeral,
		Algorithm: cryptox.AlgEdDSA,
		Metrics:   m,
		Now:       clk.Now,
	}
	r.TokenRateLimit = httpx.RateLimitConfig{Requests: 1000, Window: time.Minute, Burst: 1000}
	r.CORSOrigins = []string{"http://localhost:4200"}
	r.Now = clk.Now
	for _, o := range opts {
		o(r)
	}
	r.ApplyRoutes()

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &server{
		Server: ts,
		client: authsdk.NewClient(ts.URL),
		clock:  clk,
		creds:  creds,
		ring:   ring,
	}
}

func (s *server) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := s.client.PasswordGrant(context.Background(), adminUser, adminPassword, "")
	require.NoError(t, err)
	return tok.AccessToken
}

func (s *server) createUser(t *testing.T, username string) {
	t.Helper()
	_, err := s.client.CreateIdentity(context.Background(), s.adminToken(t), authsdk.CreateIdentityRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: userPassword,
		Roles:    []string{"user"},
	})
	require.NoError(t, err)
}

func oauthErr(t *testing.T, err error) *authsdk.OAuth2Error {
	t.Helper()
	var oerr *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oerr)
	return oerr
}
