package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
)

// OpenStore picks the driver from the database URL: postgres:// URLs go to
// Postgres, anything else is a SQLite file path. Migrations are not applied.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	if postgres.IsURL(cfg.DatabaseURL) {
		return postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxOpenConns,
			ConnMaxLifetime: 30 * time.Minute,
		})
	}
	return sqlite.Open(ctx, cfg.DatabaseURL)
}

// NewPasswords builds the password verifier with the pepper from
// AUTH_PEPPER_FILE, creating the pepper on first start.
func NewPasswords(cfg Config, m *metrics.Metrics) (*service.PasswordVerifier, error) {
	pepper, err := cryptox.LoadOrCreatePepper(cfg.PepperFile)
	if err != nil {
		return nil, err
	}
	return service.NewPasswordVerifier(cryptox.NewPasswordHasher(pepper), cfg.HashConcurrency, m)
}

// NewCredentials is the credential store alone, for commands that manage
// identities without serving tokens.
func NewCredentials(cfg Config, db store.Store, m *metrics.Metrics) (*service.CredentialStore, error) {
	passwords, err := NewPasswords(cfg, m)
	if err != nil {
		return nil, err
	}
	return &service.CredentialStore{Store: db, Passwords: passwords, RetryMax: cfg.StoreRetryMax}, nil
}

// Services are the core components wired over one store and key ring.
type Services struct {
	Credentials  *service.CredentialStore
	Tracker      *service.LockoutTracker
	Issuer       *service.TokenIssuer
	Validator    *service.TokenValidator
	Grants       *service.GrantProcessor
	Housekeeping *service.HousekeepingService
}

func NewServices(cfg Config, db store.Store, ring *jwtx.KeyRing, m *metrics.Metrics) (*Services, error) {
	creds, err := NewCredentials(cfg, db, m)
	if err != nil {
		return nil, err
	}

	s := &Services{Credentials: creds}
	s.Tracker = &service.LockoutTracker{
		Store:    db,
		Policy:   cfg.LockoutPolicy(),
		Metrics:  m,
		RetryMax: cfg.StoreRetryMax,
	}
	s.Issuer = &service.TokenIssuer{
		Store:      db,
		Ring:       ring,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	s.Validator = &service.TokenValidator{Store: db, Ring: ring, RetryMax: cfg.StoreRetryMax}
	s.Grants = service.NewGrantProcessor(service.GrantDeps{
		Store:       db,
		Credentials: creds,
		Passwords:   creds.Passwords,
		Issuer:      s.Issuer,
		Validator:   s.Validator,
		Tracker:     s.Tracker,
		Scopes:      service.ScopePolicy{Default: cfg.DefaultScopes, Allowed: cfg.AllowedScopes},
		Metrics:     m,
		RetryMax:    cfg.StoreRetryMax,
	})
	s.Housekeeping = &service.HousekeepingService{
		Store:    db,
		Interval: cfg.HousekeepingInterval,
		Metrics:  m,
	}
	return s, nil
}

// Migrate applies every pending migration. Failures are fatal at startup.
func Migrate(db store.Store) error {
	if err := db.ApplyMigrations(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
