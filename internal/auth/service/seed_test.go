package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/stretchr/testify/require"
)

func TestSeedValidate(t *testing.T) {
	tests := []struct {
		name    string
		seed    service.Seed
		wantErr bool
	}{
		{name: "default", seed: service.DefaultSeed("pw")},
		{name: "empty", seed: service.Seed{}},
		{
			name:    "missing password",
			seed:    service.Seed{Identities: []service.SeedIdentity{{Username: "a"}}},
			wantErr: true,
		},
		{
			name:    "both password and hash",
			seed:    service.Seed{Identities: []service.SeedIdentity{{Username: "a", Password: "x", PasswordHash: "y"}}},
			wantErr: true,
		},
		{
			name: "duplicate username",
			seed: service.Seed{Identities: []service.SeedIdentity{
				{Username: "Bob", Password: "x"},
				{Username: "bob", Password: "y"},
			}},
			wantErr: true,
		},
		{
			name:    "undeclared role",
			seed:    service.Seed{Identities: []service.SeedIdentity{{Username: "a", Password: "x", Roles: []string{"admin"}}}},
			wantErr: true,
		},
		{
			name:    "blank username",
			seed:    service.Seed{Identities: []service.SeedIdentity{{Username: "  ", Password: "x"}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seed.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, service.ErrInvalidSeed)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadSeedFileExpandsEnv(t *testing.T) {
	t.Setenv("SEED_OPS_PASSWORD", "from-env")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles: [admin, ops]
identities:
  - username: ops@example.com
    email: ops@example.com
    password: ${SEED_OPS_PASSWORD}
    roles: [ops]
    lockout_enabled: false
`), 0o600))

	seed, err := service.LoadSeedFile(path)
	require.NoError(t, err)
	require.NoError(t, seed.Validate())
	require.Equal(t, []string{"admin", "ops"}, seed.Roles)
	require.Len(t, seed.Identities, 1)
	require.Equal(t, "from-env", seed.Identities[0].Password)
	require.NotNil(t, seed.Identities[0].LockoutEnabled)
	require.False(t, *seed.Identities[0].LockoutEnabled)

	_, err = service.LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSeederApplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	seeder := &service.Seeder{Credentials: h.creds}
	ctx := context.Background()

	require.NoError(t, seeder.Apply(ctx, service.DefaultSeed("Test1234%")))
	admin, err := h.creds.FindByUsername(ctx, service.DefaultAdminUsername)
	require.NoError(t, err)
	require.False(t, admin.LockoutEnabled)

	require.NoError(t, seeder.Apply(ctx, service.DefaultSeed("a different password")))
	again, err := h.creds.FindByUsername(ctx, service.DefaultAdminUsername)
	require.NoError(t, err)
	require.Equal(t, admin.PasswordHash, again.PasswordHash)

	roles, err := h.creds.RolesOf(ctx, admin)
	require.NoError(t, err)
	require.Equal(t, []string{domain.RoleAdmin}, domain.RoleNames(roles))

	_, err = h.login(t, service.DefaultAdminUsername, "Test1234%")
	require.NoError(t, err)
}

func TestSeederApplyFailsFastOnInvalidSeed(t *testing.T) {
	h := newHarness(t)
	seeder := &service.Seeder{Credentials: h.creds}
	err := seeder.Apply(context.Background(), service.Seed{Identities: []service.SeedIdentity{{Username: "x"}}})
	require.ErrorIs(t, err, service.ErrInvalidSeed)

	identities, err := h.creds.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, identities)
}
