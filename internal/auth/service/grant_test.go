package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordGrantIssuesTokensForSubject(t *testing.T) {
	h := newHarness(t)
	alice := h.register(t, service.RegisterParams{Username: "Alice", Email: "alice@example.com", Roles: []string{domain.RoleAdmin}})

	pair, err := h.login(t, "  ALICE ", testPassword)
	require.NoError(t, err)
	require.Equal(t, "bearer", pair.TokenType)
	require.Equal(t, jwtx.DefaultAccessTokenTTL, pair.ExpiresIn)
	require.Equal(t, "openid profile offline_access", pair.Scope)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := h.validator.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, alice.ID, claims.Subject)
	require.Equal(t, "Alice", claims.Username)
	require.Equal(t, []string{domain.RoleAdmin}, claims.Roles)
	require.Equal(t, []string{jwtx.AMRPassword}, claims.AMR)

	identity, rt, err := h.validator.ValidateRefresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, alice.ID, identity.ID)
	require.Equal(t, claims.SID, rt.SessionID)
}

func TestPasswordGrantRejections(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "bob"})

	tests := []struct {
		name string
		req  domain.GrantRequest
		want error
	}{
		{
			name: "wrong password",
			req:  domain.GrantRequest{GrantType: domain.GrantTypePassword, Username: "bob", Password: "nope"},
			want: service.ErrInvalidCredentials,
		},
		{
			name: "unknown user",
			req:  domain.GrantRequest{GrantType: domain.GrantTypePassword, Username: "mallory", Password: testPassword},
			want: service.ErrInvalidCredentials,
		},
		{
			name: "missing password",
			req:  domain.GrantRequest{GrantType: domain.GrantTypePassword, Username: "bob"},
			want: service.ErrInvalidRequest,
		},
		{
			name: "scope not allowed",
			req:  domain.GrantRequest{GrantType: domain.GrantTypePassword, Username: "bob", Password: testPassword, Scopes: []string{"admin"}},
			want: service.ErrInvalidScope,
		},
		{
			name: "unsupported grant",
			req:  domain.GrantRequest{GrantType: "client_credentials"},
			want: service.ErrUnsupportedGrantType,
		},
		{
			name: "empty refresh token",
			req:  domain.GrantRequest{GrantType: domain.GrantTypeRefreshToken},
			want: service.ErrInvalidRequest,
		},
		{
			name: "malformed refresh token",
			req:  domain.GrantRequest{GrantType: domain.GrantTypeRefreshToken, RefreshToken: "short"},
			want: service.ErrTokenMalformed,
		},
		{
			name: "unknown refresh token",
			req:  domain.GrantRequest{GrantType: domain.GrantTypeRefreshToken, RefreshToken: strings.Repeat("A", 43)},
			want: service.ErrTokenInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.grants.Process(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequestedScopesAreGranted(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "carol"})

	pair, err := h.grants.Process(context.Background(), domain.GrantRequest{
		GrantType: domain.GrantTypePassword,
		Username:  "carol",
		Password:  testPassword,
		Scopes:    []string{"openid", "email", "openid"},
	})
	require.NoError(t, err)
	require.Equal(t, "openid email", pair.Scope)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "dave"})

	for i := 1; i < 5; i++ {
		_, err := h.login(t, "dave", "wrong")
		require.ErrorIs(t, err, service.ErrInvalidCredentials, "attempt %d", i)
	}

	_, err := h.login(t, "dave", "wrong")
	var locked *service.LockedOutError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, h.clock.Now().Add(15*time.Minute), locked.Until)

	// The correct password does not help while locked out.
	_, err = h.login(t, "dave", testPassword)
	require.ErrorIs(t, err, service.ErrLockedOut)

	h.clock.Advance(15*time.Minute + time.Second)
	_, err = h.login(t, "dave", testPassword)
	require.NoError(t, err)

	identity, err := h.creds.FindByUsername(context.Background(), "dave")
	require.NoError(t, err)
	require.Zero(t, identity.AccessFailedCount)
	require.Nil(t, identity.LockoutEnd)
}

func TestFailureWindowResetsCount(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "erin"})

	for range 4 {
		_, err := h.login(t, "erin", "wrong")
		require.ErrorIs(t, err, service.ErrInvalidCredentials)
	}
	h.clock.Advance(16 * time.Minute)

	_, err := h.login(t, "erin", "wrong")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
	require.NotErrorIs(t, err, service.ErrLockedOut)

	identity, err := h.creds.FindByUsername(context.Background(), "erin")
	require.NoError(t, err)
	require.Equal(t, 1, identity.AccessFailedCount)
}

func TestLockoutDisabledNeverLocks(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "admin@test.com", LockoutDisabled: true})

	for range 10 {
		_, err := h.login(t, "admin@test.com", "wrong")
		require.ErrorIs(t, err, service.ErrInvalidCredentials)
	}
	_, err := h.login(t, "admin@test.com", testPassword)
	require.NoError(t, err)
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "frank"})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.login(t, "frank", "wrong")
			assert.ErrorIs(t, err, service.ErrInvalidCredentials)
		}()
	}
	wg.Wait()

	identity, err := h.creds.FindByUsername(context.Background(), "frank")
	require.NoError(t, err)
	require.Equal(t, 3, identity.AccessFailedCount)
}

func TestAdminUnlockClearsLockout(t *testing.T) {
	h := newHarness(t)
	grace := h.register(t, service.RegisterParams{Username: "grace"})

	for range 5 {
		_, _ = h.login(t, "grace", "wrong")
	}
	_, err := h.login(t, "grace", testPassword)
	require.ErrorIs(t, err, service.ErrLockedOut)

	_, err = h.tracker.Clear(context.Background(), grace.ID)
	require.NoError(t, err)
	_, err = h.login(t, "grace", testPassword)
	require.NoError(t, err)
}

func TestRefreshRotatesToken(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "heidi"})
	first, err := h.login(t, "heidi", testPassword)
	require.NoError(t, err)

	second, err := h.refresh(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, first.Scope, second.Scope)

	_, err = h.refresh(context.Background(), first.RefreshToken)
	require.ErrorIs(t, err, service.ErrTokenRevoked)

	_, old, err := h.validator.ValidateRefresh(context.Background(), second.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, old.ParentID)

	firstClaims, err := h.validator.ValidateAccess(context.Background(), first.AccessToken)
	require.NoError(t, err)
	secondClaims, err := h.validator.ValidateAccess(context.Background(), second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, firstClaims.SID, secondClaims.SID)
}

func TestRefreshMayNarrowButNotWidenScopes(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "ivan"})
	pair, err := h.login(t, "ivan", testPassword)
	require.NoError(t, err)

	_, err = h.refresh(context.Background(), pair.RefreshToken, "openid", "email")
	require.ErrorIs(t, err, service.ErrInvalidScope)

	narrowed, err := h.refresh(context.Background(), pair.RefreshToken, "openid")
	require.NoError(t, err)
	require.Equal(t, "openid", narrowed.Scope)
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "judy"})
	pair, err := h.login(t, "judy", testPassword)
	require.NoError(t, err)

	const n = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.refresh(context.Background(), pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, service.ErrTokenRevoked):
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Empty(t, other)
}

func TestCancelledRefreshLeavesTokenValid(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "ken"})
	pair, err := h.login(t, "ken", testPassword)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsLockedOutIdentity(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "leo"})
	pair, err := h.login(t, "leo", testPassword)
	require.NoError(t, err)

	for range 5 {
		_, _ = h.login(t, "leo", "wrong")
	}
	_, err = h.refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, service.ErrLockedOut)

	_, err = h.validator.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err, "access tokens stay valid until they expire")
	_, _, err = h.validator.ValidateAccessSubject(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, service.ErrLockedOut)
}

func TestRefreshTokenExpires(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "mia"})
	pair, err := h.login(t, "mia", testPassword)
	require.NoError(t, err)

	h.clock.Advance(jwtx.DefaultRefreshTokenTTL + time.Second)
	_, err = h.refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, service.ErrTokenExpired)
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "nick"})
	pair, err := h.login(t, "nick", testPassword)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.grants.Logout(ctx, pair.RefreshToken))
	require.NoError(t, h.grants.Logout(ctx, pair.RefreshToken))
	require.NoError(t, h.grants.Logout(ctx, "not-a-token"))
	require.NoError(t, h.grants.Logout(ctx, strings.Repeat("B", 43)))

	_, err = h.refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, service.ErrTokenRevoked)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	h := newHarness(t)
	olivia := h.register(t, service.RegisterParams{Username: "olivia"})

	var pairs []domain.TokenPair
	for range 3 {
		pair, err := h.login(t, "olivia", testPassword)
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}

	n, err := h.grants.LogoutAll(context.Background(), olivia.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, pair := range pairs {
		_, err := h.refresh(context.Background(), pair.RefreshToken)
		require.ErrorIs(t, err, service.ErrTokenRevoked)
	}
}

func TestLegacyHashIsUpgraded(t *testing.T) {
	h := newHarness(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	h.register(t, service.RegisterParams{Username: "peggy", PasswordHash: string(legacy)})

	_, err = h.login(t, "peggy", testPassword)
	require.NoError(t, err)

	identity, err := h.creds.FindByUsername(context.Background(), "peggy")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(identity.PasswordHash, "$argon2id$"), identity.PasswordHash)

	_, err = h.login(t, "peggy", testPassword)
	require.NoError(t, err)
}

func TestTOTPSecondFactor(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "quinn"})
	key, err := h.creds.EnrollTOTP(context.Background(), "quinn", "authd")
	require.NoError(t, err)
	require.Contains(t, key.URL(), "otpauth://totp/")

	login := func(password, code string) (domain.TokenPair, error) {
		return h.grants.Process(context.Background(), domain.GrantRequest{
			GrantType: domain.GrantTypePassword,
			Username:  "quinn",
			Password:  password,
			OTP:       code,
		})
	}

	_, err = login(testPassword, "")
	require.ErrorIs(t, err, service.ErrOTPRequired)

	_, err = login(testPassword, "000000")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	code, err := totp.GenerateCodeCustom(key.Secret(), h.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	pair, err := login(testPassword, code)
	require.NoError(t, err)

	claims, err := h.validator.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, claims.AMR)

	identity, err := h.creds.FindByUsername(context.Background(), "quinn")
	require.NoError(t, err)
	require.Zero(t, identity.AccessFailedCount)
}
