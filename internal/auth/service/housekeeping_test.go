package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func TestHousekeepingDeletesExpiredRefreshTokens(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "alice"})
	ctx := context.Background()

	revoked, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)
	require.NoError(t, h.grants.Logout(ctx, revoked.RefreshToken))

	hk := &service.HousekeepingService{Store: h.store, Now: h.clock.Now}

	h.clock.Advance(jwtx.DefaultRefreshTokenTTL / 2)
	live, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)

	hk.Cleanup(ctx)
	_, err = h.store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(revoked.RefreshToken))
	require.NoError(t, err, "revoked token is kept until it expires")

	h.clock.Advance(jwtx.DefaultRefreshTokenTTL/2 + time.Minute)
	hk.Cleanup(ctx)
	_, err = h.store.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(revoked.RefreshToken))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = h.validator.ValidateRefresh(ctx, live.RefreshToken)
	require.NoError(t, err)
}

func TestReplayAfterHousekeepingStillReportsRevoked(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "alice"})
	ctx := context.Background()

	first, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)
	_, err = h.refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	// Well past any short retention window but inside the refresh lifetime.
	h.clock.Advance(48 * time.Hour)
	hk := &service.HousekeepingService{Store: h.store, Now: h.clock.Now}
	hk.Cleanup(ctx)

	_, err = h.refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, service.ErrTokenRevoked)
}

func TestHousekeepingRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	hk := &service.HousekeepingService{Store: h.store, Interval: time.Millisecond, Now: h.clock.Now}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, hk.Run(ctx))
}
