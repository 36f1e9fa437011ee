package app_test

import (
	"testing"

	"github.com/aussiebroadwan/authd/internal/auth/app"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigIsRepeatable(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("AUTH_KEY_MODE", "persistent")
	t.Setenv("AUTH_MASTER_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUTH_SEED_ADMIN_PASSWORD", "Test1234%")

	first, err := app.LoadConfig()
	require.NoError(t, err)
	second, err := app.LoadConfig()
	require.NoError(t, err, "secrets must survive a second load")

	require.Equal(t, "0123456789abcdef0123456789abcdef", second.MasterKey)
	require.Equal(t, first.MasterKey, second.MasterKey)
	require.Equal(t, "Test1234%", second.AdminPassword())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "dev")

	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "ephemeral", cfg.KeyMode)
	require.Equal(t, "EdDSA", cfg.Algorithm)
	require.Equal(t, app.DevAdminPassword, cfg.AdminPassword())
	require.Empty(t, cfg.TrustedProxies)
}

func TestConfigValidate(t *testing.T) {
	valid := func() app.Config {
		return app.Config{
			KeyMode:            "ephemeral",
			Algorithm:          "EdDSA",
			LockoutMaxFailures: 5,
			AccessTTL:          1,
			RefreshTTL:         1,
			DefaultScopes:      []string{"openid"},
			AllowedScopes:      []string{"openid", "profile"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *app.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*app.Config) {}},
		{
			name:    "persistent without master key",
			mutate:  func(c *app.Config) { c.KeyMode = "persistent" },
			wantErr: "AUTH_MASTER_KEY",
		},
		{
			name:    "directory without dir",
			mutate:  func(c *app.Config) { c.KeyMode = "directory" },
			wantErr: "AUTH_KEY_DIR",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *app.Config) { c.Algorithm = "HS256" },
			wantErr: "AUTH_ALGORITHM",
		},
		{
			name:    "default scope not allowed",
			mutate:  func(c *app.Config) { c.DefaultScopes = []string{"email"} },
			wantErr: `default scope "email"`,
		},
		{
			name:    "bad trusted proxy",
			mutate:  func(c *app.Config) { c.TrustedProxies = []string{"10.0.0.0/99"} },
			wantErr: "AUTH_TRUSTED_PROXIES",
		},
		{
			name:   "trusted proxies",
			mutate: func(c *app.Config) { c.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1"} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
