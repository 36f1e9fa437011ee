package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSeed is returned by Validate and wraps every seed problem.
var ErrInvalidSeed = errors.New("invalid seed")

// DefaultAdminUsername is the identity created by DefaultSeed.
const DefaultAdminUsername = "admin@test.com"

// Seed is the initial data of a fresh deployment. It is applied at startup
// and by the seed command.
type Seed struct {
	Roles      []string       `yaml:"roles"`
	Identities []SeedIdentity `yaml:"identities"`
}

type SeedIdentity struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	// Exactly one of Password and PasswordHash is set.
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
	// LockoutEnabled defaults to true.
	LockoutEnabled *bool  `yaml:"lockout_enabled"`
	TOTPSecret     string `yaml:"totp_secret"`
}

// DefaultSeed is the admin role plus an admin identity that cannot be
// locked out.
func DefaultSeed(adminPassword string) Seed {
	lockout := false
	return Seed{
		Roles: []string{domain.RoleAdmin},
		Identities: []SeedIdentity{{
			Username:       DefaultAdminUsername,
			Email:          DefaultAdminUsername,
			Password:       adminPassword,
			Roles:          []string{domain.RoleAdmin},
			LockoutEnabled: &lockout,
		}},
	}
}

// LoadSeedFile reads a YAML seed. ${VAR} references are expanded from the
// environment before parsing so passwords need not live in the file.
func LoadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &seed); err != nil {
		return Seed{}, fmt.Errorf("parsing seed file: %w", err)
	}
	return seed, nil
}

// Validate checks the seed without touching the store.
func (s Seed) Validate() error {
	roles := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		if r == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidSeed)
		}
		roles[r] = true
	}

	seen := make(map[string]bool, len(s.Identities))
	for i, id := range s.Identities {
		name := domain.NormalizeUsername(id.Username)
		switch {
		case name == "":
			return fmt.Errorf("%w: identity %d has no username", ErrInvalidSeed, i)
		case seen[name]:
			return fmt.Errorf("%w: duplicate username %q", ErrInvalidSeed, id.Username)
		case id.Password == "" && id.PasswordHash == "":
			return fmt.Errorf("%w: %q has no password", ErrInvalidSeed, id.Username)
		case id.Password != "" && id.PasswordHash != "":
			return fmt.Errorf("%w: %q has both password and password_hash", ErrInvalidSeed, id.Username)
		}
		seen[name] = true
		for _, r := range id.Roles {
			if !roles[r] {
				return fmt.Errorf("%w: %q references undeclared role %q", ErrInvalidSeed, id.Username, r)
			}
		}
	}
	return nil
}

// Seeder applies a Seed. Applying the same seed twice is a no-op; existing
// identities are never modified.
type Seeder struct {
	Credentials *CredentialStore
}

func (s *Seeder) Apply(ctx context.Context, seed Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}
	l := slogx.FromContext(ctx)

	for _, name := range seed.Roles {
		if _, err := s.Credentials.EnsureRole(ctx, name); err != nil {
			return fmt.Errorf("seed role %q: %w", name, err)
		}
	}

	created := 0
	for _, id := range seed.Identities {
		_, err := s.Credentials.FindByUsername(ctx, id.Username)
		if err == nil {
			l.Debug("seed identity exists", slog.String("username", id.Username))
			continue
		}
		if !errors.Is(err, ErrIdentityNotFound) {
			return fmt.Errorf("seed identity %q: %w", id.Username, err)
		}

		_, _, err = s.Credentials.Register(ctx, RegisterParams{
			Username:        id.Username,
			Email:           id.Email,
			Password:        id.Password,
			PasswordHash:    id.PasswordHash,
			Roles:           id.Roles,
			LockoutDisabled: id.LockoutEnabled != nil && !*id.LockoutEnabled,
			TOTPSecret:      id.TOTPSecret,
		})
		if errors.Is(err, ErrDuplicateIdentity) {
			// Created concurrently by another replica.
			continue
		}
		if err != nil {
			return fmt.Errorf("seed identity %q: %w", id.Username, err)
		}
		created++
	}

	l.Info("seed applied", slog.Int("roles", len(seed.Roles)), slog.Int("identities_created", created))
	return nil
}
