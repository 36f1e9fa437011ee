// Package storetest is a conformance suite run against every store driver.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/idx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a migrated, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"IdentityRoundTrip", testIdentityRoundTrip},
		{"IdentityDuplicateIgnoresCase", testIdentityDuplicate},
		{"LockoutStateCompareAndSwap", testLockoutCAS},
		{"DeleteIdentityCascades", testDeleteIdentity},
		{"Roles", testRoles},
		{"RefreshTokenLifecycle", testRefreshLifecycle},
		{"RefreshRevokeSingleWinner", testRefreshSingleWinner},
		{"SigningKeys", testSigningKeys},
		{"WithTxRollsBack", testWithTxRollback},
		{"WithTxCancelledContext", testWithTxCancelled},
		{"ClosedStoreIsUnavailable", testClosedStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewIdentity returns a valid identity for username.
func NewIdentity(username string) domain.Identity {
	return domain.Identity{
		ID:                 idx.New().String(),
		Username:           username,
		NormalizedUsername: domain.NormalizeUsername(username),
		Email:              username,
		PasswordHash:       "$argon2id$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA",
		LockoutEnabled:     true,
	}
}

func createIdentity(t *testing.T, s store.Store, username string) domain.Identity {
	t.Helper()
	i := NewIdentity(username)
	require.NoError(t, s.Identities().CreateIdentity(context.Background(), i))
	got, err := s.Identities().GetIdentityByID(context.Background(), i.ID)
	require.NoError(t, err)
	return got
}

func newRefreshToken(identityID string, expiresAt time.Time) domain.RefreshToken {
	return domain.RefreshToken{
		ID:         idx.New().String(),
		IdentityID: identityID,
		TokenHash:  idx.New().String(),
		SessionID:  idx.New().String(),
		Scopes:     []string{"openid", "profile"},
		AMR:        []string{"pwd"},
		ExpiresAt:  expiresAt,
	}
}

func testIdentityRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "Alice@Example.com")

	got, err := s.Identities().GetIdentityByUsername(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, i.ID, got.ID)
	require.Equal(t, "Alice@Example.com", got.Username)
	require.True(t, got.LockoutEnabled)
	require.Nil(t, got.LockoutEnd)
	require.Nil(t, got.TOTPSecret)
	require.NotEmpty(t, got.ConcurrencyStamp)

	_, err = s.Identities().GetIdentityByUsername(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)

	secret := "JBSWY3DPEHPK3PXP"
	require.NoError(t, s.Identities().SetTOTPSecret(ctx, i.ID, &secret))
	require.NoError(t, s.Identities().SetLockoutEnabled(ctx, i.ID, false))
	require.NoError(t, s.Identities().UpdatePasswordHash(ctx, i.ID, "new-hash"))

	got, err = s.Identities().GetIdentityByID(ctx, i.ID)
	require.NoError(t, err)
	require.Equal(t, "new-hash", got.PasswordHash)
	require.False(t, got.LockoutEnabled)
	require.NotNil(t, got.TOTPSecret)
	require.Equal(t, secret, *got.TOTPSecret)
	require.NotEqual(t, i.ConcurrencyStamp, got.ConcurrencyStamp)

	require.ErrorIs(t, s.Identities().UpdatePasswordHash(ctx, "missing", "x"), store.ErrNotFound)

	all, err := s.Identities().ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testIdentityDuplicate(t *testing.T, s store.Store) {
	createIdentity(t, s, "bob")
	err := s.Identities().CreateIdentity(context.Background(), NewIdentity("BOB"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testLockoutCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "carol")

	now := time.Now().UTC().Truncate(time.Millisecond)
	until := now.Add(15 * time.Minute)
	st := domain.LockoutState{AccessFailedCount: 5, FailureWindowStart: &now, LockoutEnd: &until}

	stamp, err := s.Identities().UpdateLockoutState(ctx, i.ID, i.ConcurrencyStamp, st)
	require.NoError(t, err)
	require.NotEqual(t, i.ConcurrencyStamp, stamp)

	// The old stamp lost.
	_, err = s.Identities().UpdateLockoutState(ctx, i.ID, i.ConcurrencyStamp, domain.LockoutState{})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Identities().UpdateLockoutState(ctx, "missing", stamp, domain.LockoutState{})
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Identities().GetIdentityByID(ctx, i.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.AccessFailedCount)
	require.NotNil(t, got.LockoutEnd)
	require.True(t, until.Equal(*got.LockoutEnd))
	require.True(t, now.Equal(*got.FailureWindowStart))
	require.Equal(t, stamp, got.ConcurrencyStamp)
}

func testDeleteIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "dave")
	role := domain.Role{ID: idx.New().String(), Name: "reader"}
	require.NoError(t, s.Roles().CreateRole(ctx, role))
	require.NoError(t, s.Roles().AddIdentityToRole(ctx, i.ID, role.ID))
	rt := newRefreshToken(i.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(ctx, rt))

	require.NoError(t, s.Identities().DeleteIdentity(ctx, i.ID))
	require.ErrorIs(t, s.Identities().DeleteIdentity(ctx, i.ID), store.ErrNotFound)

	_, err := s.RefreshTokens().GetRefreshTokenByHash(ctx, rt.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)
	roles, err := s.Roles().ListRolesForIdentity(ctx, i.ID)
	require.NoError(t, err)
	require.Empty(t, roles)
}

func testRoles(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "erin")

	for _, name := range []string{"writer", "admin"} {
		require.NoError(t, s.Roles().CreateRole(ctx, domain.Role{ID: idx.New().String(), Name: name}))
	}
	err := s.Roles().CreateRole(ctx, domain.Role{ID: idx.New().String(), Name: "admin"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	admin, err := s.Roles().GetRoleByName(ctx, "admin")
	require.NoError(t, err)
	writer, err := s.Roles().GetRoleByName(ctx, "writer")
	require.NoError(t, err)
	_, err = s.Roles().GetRoleByName(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Roles().AddIdentityToRole(ctx, i.ID, writer.ID))
	require.NoError(t, s.Roles().AddIdentityToRole(ctx, i.ID, admin.ID))
	require.NoError(t, s.Roles().AddIdentityToRole(ctx, i.ID, admin.ID))

	roles, err := s.Roles().ListRolesForIdentity(ctx, i.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "writer"}, domain.RoleNames(roles))

	require.NoError(t, s.Roles().RemoveIdentityFromRole(ctx, i.ID, writer.ID))
	require.ErrorIs(t, s.Roles().RemoveIdentityFromRole(ctx, i.ID, writer.ID), store.ErrNotFound)

	all, err := s.Roles().ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testRefreshLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "frank")
	now := time.Now()

	live := newRefreshToken(i.ID, now.Add(time.Hour))
	live.ParentID = idx.New().String()
	expired := newRefreshToken(i.ID, now.Add(-time.Minute))
	for _, rt := range []domain.RefreshToken{live, expired} {
		require.NoError(t, s.RefreshTokens().CreateRefreshToken(ctx, rt))
	}

	got, err := s.RefreshTokens().GetRefreshTokenByHash(ctx, live.TokenHash)
	require.NoError(t, err)
	require.Equal(t, live.ID, got.ID)
	require.Equal(t, live.ParentID, got.ParentID)
	require.Equal(t, []string{"openid", "profile"}, got.Scopes)
	require.Equal(t, []string{"pwd"}, got.AMR)
	require.False(t, got.Revoked)
	require.True(t, got.IsLive(now))

	n, err := s.RefreshTokens().CountLiveRefreshTokens(ctx, i.ID, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := s.RefreshTokens().RevokeRefreshToken(ctx, live.TokenHash, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RefreshTokens().RevokeRefreshToken(ctx, live.TokenHash, now)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = s.RefreshTokens().GetRefreshTokenByHash(ctx, live.TokenHash)
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)

	revoked, err := s.RefreshTokens().RevokeIdentityRefreshTokens(ctx, i.ID, now)
	require.NoError(t, err)
	require.Equal(t, 1, revoked) // only the expired one was still unrevoked

	deleted, err := s.RefreshTokens().DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	got, err = s.RefreshTokens().GetRefreshTokenByHash(ctx, live.TokenHash)
	require.NoError(t, err, "revoked tokens survive until they expire")
	require.True(t, got.Revoked)
	_, err = s.RefreshTokens().GetRefreshTokenByHash(ctx, expired.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testRefreshSingleWinner(t *testing.T, s store.Store) {
	ctx := context.Background()
	i := createIdentity(t, s, "grace")
	rt := newRefreshToken(i.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(ctx, rt))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithRetry(ctx, 5*time.Second, func() error {
				return s.WithTx(ctx, func(tx store.Tx) error {
					if _, err := tx.RefreshTokens().GetRefreshTokenByHash(ctx, rt.TokenHash); err != nil {
						return err
					}
					ok, err := tx.RefreshTokens().RevokeRefreshToken(ctx, rt.TokenHash, time.Now())
					if err != nil {
						return err
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
					return nil
				})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func testSigningKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	older := domain.SigningKey{
		ID: idx.New().String(), Kid: "authd-a", Algorithm: "EdDSA",
		PrivateKeyEncrypted: []byte{1, 2, 3}, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	newer := domain.SigningKey{
		ID: idx.New().String(), Kid: "authd-b", Algorithm: "EdDSA",
		PrivateKeyEncrypted: []byte{4, 5, 6}, CreatedAt: now, ExpiresAt: now.Add(2 * time.Hour),
	}
	gone := domain.SigningKey{
		ID: idx.New().String(), Kid: "authd-0", Algorithm: "ES256",
		PrivateKeyEncrypted: []byte{7}, CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}
	for _, k := range []domain.SigningKey{older, newer, gone} {
		require.NoError(t, s.SigningKeys().CreateSigningKey(ctx, k))
	}

	keys, err := s.SigningKeys().ListSigningKeys(ctx, now)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "authd-b", keys[0].Kid)
	require.Equal(t, []byte{4, 5, 6}, keys[0].PrivateKeyEncrypted)

	require.NoError(t, s.SigningKeys().RetireSigningKey(ctx, "authd-a", now, now.Add(10*time.Minute)))
	require.ErrorIs(t, s.SigningKeys().RetireSigningKey(ctx, "authd-a", now, now), store.ErrNotFound)

	k, err := s.SigningKeys().GetSigningKeyByKid(ctx, "authd-a")
	require.NoError(t, err)
	require.NotNil(t, k.RetiredAt)
	require.False(t, k.IsActive(now))
	require.True(t, now.Add(10*time.Minute).Equal(k.ExpiresAt))

	deleted, err := s.SigningKeys().DeleteExpiredSigningKeys(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	_, err = s.SigningKeys().GetSigningKeyByKid(ctx, "authd-0")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testWithTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	i := NewIdentity("heidi")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Identities().CreateIdentity(ctx, i))
		require.Error(t, tx.WithTx(ctx, func(store.Tx) error { return nil }))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Identities().GetIdentityByID(ctx, i.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testWithTxCancelled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	i := NewIdentity("ivan")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Identities().CreateIdentity(ctx, i); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Identities().GetIdentityByID(context.Background(), i.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testClosedStore(t *testing.T, s store.Store) {
	i := createIdentity(t, s, "ivy")
	require.NoError(t, s.Close())

	_, err := s.Identities().GetIdentityByID(context.Background(), i.ID)
	require.ErrorIs(t, err, store.ErrUnavailable)
}
