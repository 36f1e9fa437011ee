package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
)

// LoadSeed returns the seed to apply: the file when path is set, otherwise
// the default admin. Without an admin password (outside dev) only the admin
// role is seeded.
func LoadSeed(cfg Config, path string, logger *slog.Logger) (service.Seed, error) {
	if path != "" {
		seed, err := service.LoadSeedFile(path)
		if err != nil {
			return service.Seed{}, err
		}
		return seed, nil
	}

	password := cfg.AdminPassword()
	if password == "" {
		logger.Warn("AUTH_SEED_ADMIN_PASSWORD not set, seeding roles only")
		return service.Seed{Roles: []string{domain.RoleAdmin}}, nil
	}
	return service.DefaultSeed(password), nil
}

// ApplySeed validates and applies the seed. Any error is fatal at startup.
func ApplySeed(ctx context.Context, creds *service.CredentialStore, seed service.Seed) error {
	if err := (&service.Seeder{Credentials: creds}).Apply(ctx, seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}
