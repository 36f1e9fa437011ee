package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authd/pkg/authsdk"
)

func TestPasswordGrantAndUserInfo(t *testing.T) {
	configure(t, startPostgres(t), nil)
	c := startReplica(t)
	ctx := t.Context()

	health, err := c.Liveness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)

	createUser(t, c, "alice@example.com", "Sup3rSecret!")

	session, err := c.Login(ctx, "ALICE@example.com", "Sup3rSecret!")
	require.NoError(t, err)

	info, err := session.UserInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", info.Username)
	require.NotNil(t, info.Roles)

	_, err = c.PasswordGrant(ctx, "alice@example.com", "wrong", "")
	oerr := requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
	require.False(t, oerr.IsLockedOut())

	_, err = c.PasswordGrant(ctx, "nobody@example.com", "wrong", "")
	requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
}

func TestLockoutAndAdminUnlock(t *testing.T) {
	configure(t, startPostgres(t), map[string]string{"AUTH_LOCKOUT_DURATION": "10m"})
	c := startReplica(t)
	ctx := t.Context()

	createUser(t, c, "bob@example.com", "Sup3rSecret!")

	for range 2 {
		_, err := c.PasswordGrant(ctx, "bob@example.com", "wrong", "")
		requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
	}
	_, err := c.PasswordGrant(ctx, "bob@example.com", "wrong", "")
	oerr := requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
	require.True(t, oerr.IsLockedOut())
	require.InDelta(t, (10 * time.Minute).Seconds(), oerr.RetryAfter.Seconds(), 5)

	_, err = c.PasswordGrant(ctx, "bob@example.com", "Sup3rSecret!", "")
	oerr = requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
	require.True(t, oerr.IsLockedOut(), "the right password does not bypass a lockout")

	identity, err := c.UnlockIdentity(ctx, adminToken(t, c), "bob@example.com")
	require.NoError(t, err)
	require.Zero(t, identity.FailedCount)
	require.Nil(t, identity.LockoutEnd)

	_, err = c.PasswordGrant(ctx, "bob@example.com", "Sup3rSecret!", "")
	require.NoError(t, err)
}

func TestRefreshRotationAndLogout(t *testing.T) {
	configure(t, startPostgres(t), nil)
	c := startReplica(t)
	ctx := t.Context()

	first, err := c.PasswordGrant(ctx, adminUsername, adminPassword, "")
	require.NoError(t, err)

	second, err := c.RefreshGrant(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = c.RefreshGrant(ctx, first.RefreshToken)
	requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)

	require.NoError(t, c.Logout(ctx, second.RefreshToken))
	require.NoError(t, c.Logout(ctx, second.RefreshToken), "logout is idempotent")

	_, err = c.RefreshGrant(ctx, second.RefreshToken)
	requireOAuthError(t, err, authsdk.ErrorCodeInvalidGrant)
}
