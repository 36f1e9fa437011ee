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

func TestEphemeralRotationKeepsOldTokensValid(t *testing.T) {
	h := newHarness(t)
	h.register(t, service.RegisterParams{Username: "alice"})
	before, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)

	rot := &service.KeyRotationService{
		Ring:      h.ring,
		Mode:      service.KeyModeEphemeral,
		Algorithm: cryptox.AlgES256,
		Overlap:   time.Hour,
		Now:       h.clock.Now,
	}
	oldKid := h.ring.Snapshot().Active.KID
	res, err := rot.RotateKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, oldKid, res.RetiredKid)
	require.Equal(t, cryptox.AlgES256, res.NewKey.Algorithm)

	after, err := h.login(t, "alice", testPassword)
	require.NoError(t, err)
	for _, tok := range []string{before.AccessToken, after.AccessToken} {
		_, err := h.validator.ValidateAccess(context.Background(), tok)
		require.NoError(t, err)
	}

	keys, err := rot.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.True(t, keys[0].Active)
	require.Equal(t, res.NewKey.Kid, keys[0].Kid)
	require.NotNil(t, keys[1].ExpiresAt)

	require.ErrorIs(t, rot.RetireKey(context.Background(), res.NewKey.Kid), jwtx.ErrActiveKey)

	// Past the overlap the old key no longer verifies; the access token
	// itself is also expired by then.
	h.clock.Advance(2 * time.Hour)
	_, err = h.validator.ValidateAccess(context.Background(), before.AccessToken)
	require.ErrorIs(t, err, service.ErrTokenInvalid)

	keys, err = rot.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestRetireKeyLimitsTrust(t *testing.T) {
	h := newHarness(t)
	rot := &service.KeyRotationService{Ring: h.ring, Mode: service.KeyModeEphemeral, Algorithm: cryptox.AlgEdDSA, Overlap: time.Hour, Now: h.clock.Now}
	oldKid := h.ring.Snapshot().Active.KID
	_, err := rot.RotateKey(context.Background())
	require.NoError(t, err)

	rot.Overlap = time.Minute
	require.NoError(t, rot.RetireKey(context.Background(), oldKid))
	h.clock.Advance(2 * time.Minute)
	_, ok := h.ring.Snapshot().Trusted(oldKid, h.clock.Now())
	require.False(t, ok)

	require.ErrorIs(t, rot.RetireKey(context.Background(), "authd-unknown"), jwtx.ErrUnknownKID)
}

func TestDirectoryModeRefusesRotation(t *testing.T) {
	h := newHarness(t)
	rot := &service.KeyRotationService{Ring: h.ring, Mode: service.KeyModeDirectory}

	_, err := rot.RotateKey(context.Background())
	require.ErrorIs(t, err, service.ErrKeyRotationDisabled)
	require.ErrorIs(t, rot.RetireKey(context.Background(), "x"), service.ErrKeyRotationDisabled)
}

func TestPersistentRotationSurvivesReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sealer, err := cryptox.NewSealer([]byte("test master key"))
	require.NoError(t, err)
	vault := store.NewKeyVault(h.store, sealer)

	first, pemKey, err := jwtx.GenerateKey(cryptox.AlgEdDSA, 0, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, vault.Save(ctx, first, pemKey, h.clock.Now().Add(service.DefaultKeyMaxAge)))
	ring, err := jwtx.NewKeyRing(jwtx.KeyRingOptions{Now: h.clock.Now}, first)
	require.NoError(t, err)

	rot := &service.KeyRotationService{
		Ring:      ring,
		Store:     h.store,
		Vault:     vault,
		Mode:      service.KeyModePersistent,
		Algorithm: cryptox.AlgEdDSA,
		Overlap:   time.Hour,
		Now:       h.clock.Now,
	}
	h.clock.Advance(time.Second)
	res, err := rot.RotateKey(ctx)
	require.NoError(t, err)

	active, trusted, err := vault.Load(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, res.NewKey.Kid, active.KID)
	require.Len(t, trusted, 1)
	require.Equal(t, first.KID, trusted[0].KID)
	require.Equal(t, h.clock.Now().Add(time.Hour), trusted[0].NotAfter)

	keys, err := rot.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.True(t, keys[0].Active)
	require.NotNil(t, keys[1].RetiredAt)

	// A second replica still on the first key catches up through Sync.
	stale, err := jwtx.NewKeyRing(jwtx.KeyRingOptions{Now: h.clock.Now}, first)
	require.NoError(t, err)
	replica := *rot
	replica.Ring = stale
	require.NoError(t, replica.Sync(ctx))
	require.Equal(t, res.NewKey.Kid, stale.Snapshot().Active.KID)
}
