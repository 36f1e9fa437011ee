package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRotationKeepsOutstandingTokensValid(t *testing.T) {
	configure(t, startPostgres(t), nil)
	c := startReplica(t)
	ctx := t.Context()

	before := adminToken(t, c)
	keys, err := c.SigningKeys(ctx, before)
	require.NoError(t, err)
	require.Len(t, keys.Keys, 1)
	oldKID := keys.Keys[0].KID

	rotated, err := c.RotateSigningKey(ctx, before)
	require.NoError(t, err)
	require.Greater(t, rotated.Version, keys.Version)
	require.Len(t, rotated.Keys, 2)

	_, err = c.UserInfo(ctx, before)
	require.NoError(t, err, "tokens signed by the previous key verify during the overlap")

	after := adminToken(t, c)
	_, err = c.UserInfo(ctx, after)
	require.NoError(t, err)

	for _, k := range rotated.Keys {
		require.Equal(t, k.KID != oldKID, k.Active)
	}

	// A replica started after the rotation loads both keys from the store.
	late := startReplica(t)
	_, err = late.UserInfo(ctx, before)
	require.NoError(t, err)
}
