package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery staple"

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

// harness wires every service component over a fresh SQLite database.
type harness struct {
	store     store.Store
	clock     *clock
	ring      *jwtx.KeyRing
	passwords *service.PasswordVerifier
	creds     *service.CredentialStore
	tracker   *service.LockoutTracker
	issuer    *service.TokenIssuer
	validator *service.TokenValidator
	grants    *service.GrantProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	key, _, err := jwtx.GenerateKey(cryptox.AlgEdDSA, 0, clk.Now())
	require.NoError(t, err)
	ring, err := jwtx.NewKeyRing(jwtx.KeyRingOptions{Issuer: "authd-test", Now: clk.Now}, key)
	require.NoError(t, err)

	hasher := cryptox.NewPasswordHasher(nil)
	hasher.Params.Memory = 64
	hasher.Params.Iterations = 1
	passwords, err := service.NewPasswordVerifier(hasher, 4, nil)
	require.NoError(t, err)

	h := &harness{store: s, clock: clk, ring: ring, passwords: passwords}
	h.creds = &service.CredentialStore{Store: s, Passwords: passwords, RetryMax: time.Second, Now: clk.Now}
	h.tracker = &service.LockoutTracker{Store: s, Policy: domain.DefaultLockoutPolicy(), RetryMax: time.Second, Now: clk.Now}
	h.issuer = &service.TokenIssuer{Store: s, Ring: ring, Issuer: "authd-test", Now: clk.Now}
	h.validator = &service.TokenValidator{Store: s, Ring: ring, RetryMax: time.Second, Now: clk.Now}
	h.grants = service.NewGrantProcessor(service.GrantDeps{
		Store:       s,
		Credentials: h.creds,
		Passwords:   passwords,
		Issuer:      h.issuer,
		Validator:   h.validator,
		Tracker:     h.tracker,
		Scopes: service.ScopePolicy{
			Default: []string{"openid", "profile", "offline_access"},
			Allowed: []string{"openid", "profile", "offline_access", "email"},
		},
		RetryMax: 2 * time.Second,
		Now:      clk.Now,
	})
	return h
}

func (h *harness) register(t *testing.T, p service.RegisterParams) domain.Identity {
	t.Helper()
	if p.Password == "" && p.PasswordHash == "" {
		p.Password = testPassword
	}
	_, err := h.creds.EnsureRole(context.Background(), domain.RoleAdmin)
	require.NoError(t, err)
	identity, _, err := h.creds.Register(context.Background(), p)
	require.NoError(t, err)
	return identity
}

func (h *harness) login(t *testing.T, username, password string) (domain.TokenPair, error) {
	t.Helper()
	return h.grants.Process(context.Background(), domain.GrantRequest{
		GrantType: domain.GrantTypePassword,
		Username:  username,
		Password:  password,
	})
}

func (h *harness) refresh(ctx context.Context, token string, scopes ...string) (domain.TokenPair, error) {
	return h.grants.Process(ctx, domain.GrantRequest{
		GrantType:    domain.GrantTypeRefreshToken,
		RefreshToken: token,
		Scopes:       scopes,
	})
}
