package app

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DevAdminPassword is the seeded admin password when ENV=dev and no
// AUTH_SEED_ADMIN_PASSWORD is given.
const DevAdminPassword = "Test1234%"

type Config struct {
	Env       string `env:"ENV" envDefault:"dev"`         // dev, staging, prod
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`  // debug, info, warn, error
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json, text

	Port                int           `env:"PORT" envDefault:"8080"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
	CORSOrigins         []string      `env:"AUTH_CORS_ORIGINS" envDefault:"http://localhost:4200" envSeparator:","`
	TokenRateLimit      int           `env:"AUTH_TOKEN_RATE_LIMIT" envDefault:"10"` // per minute per IP
	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"AUTH_TRUSTED_PROXIES" envSeparator:","`

	// DatabaseURL is a SQLite file path or a postgres:// URL.
	DatabaseURL     string        `env:"AUTH_DATABASE_URL" envDefault:"auth.db"`
	DBMaxOpenConns  int           `env:"AUTH_DB_MAX_OPEN_CONNS" envDefault:"10"`
	StoreRetryMax   time.Duration `env:"AUTH_STORE_RETRY_MAX" envDefault:"2s"`
	PepperFile      string        `env:"AUTH_PEPPER_FILE" envDefault:"pepper"`
	HashConcurrency int           `env:"AUTH_HASH_CONCURRENCY"` // 0 means runtime.NumCPU()

	Issuer        string        `env:"AUTH_ISSUER" envDefault:"authd"`
	Audience      []string      `env:"AUTH_AUDIENCE" envSeparator:","`
	AccessTTL     time.Duration `env:"AUTH_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" envDefault:"168h"`
	DefaultScopes []string      `env:"AUTH_DEFAULT_SCOPES" envDefault:"openid,profile,offline_access" envSeparator:","`
	AllowedScopes []string      `env:"AUTH_ALLOWED_SCOPES" envDefault:"openid,profile,email,offline_access" envSeparator:","`
	TOTPIssuer    string        `env:"AUTH_TOTP_ISSUER" envDefault:"authd"`

	LockoutMaxFailures int           `env:"AUTH_LOCKOUT_MAX_FAILURES" envDefault:"5"`
	LockoutDuration    time.Duration `env:"AUTH_LOCKOUT_DURATION" envDefault:"15m"`
	LockoutWindow      time.Duration `env:"AUTH_LOCKOUT_WINDOW" envDefault:"15m"`

	KeyMode     string        `env:"AUTH_KEY_MODE" envDefault:"ephemeral"` // ephemeral, persistent, directory
	Algorithm   string        `env:"AUTH_ALGORITHM" envDefault:"EdDSA"`    // EdDSA, ES256, RS256
	RSABits     int           `env:"AUTH_RSA_BITS" envDefault:"4096"`
	KeyDir      string        `env:"AUTH_KEY_DIR"`
	KeyOverlap  time.Duration `env:"AUTH_KEY_OVERLAP" envDefault:"24h"`
	KeyMaxAge   time.Duration `env:"AUTH_KEY_MAX_AGE" envDefault:"2160h"`
	KeyInterval time.Duration `env:"AUTH_KEY_CHECK_INTERVAL" envDefault:"1h"`
	// MasterKey seals persistent signing keys. MasterKeyFile is read when
	// MasterKey is empty.
	MasterKey     string `env:"AUTH_MASTER_KEY"`
	MasterKeyFile string `env:"AUTH_MASTER_KEY_FILE"`

	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL" envDefault:"1h"`

	SeedFile          string `env:"AUTH_SEED_FILE"`
	SeedAdminPassword string `env:"AUTH_SEED_ADMIN_PASSWORD"`

	SentryDSN    string `env:"SENTRY_DSN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadConfig reads .env (when present) and then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	mode := service.KeyMode(c.KeyMode)
	switch mode {
	case service.KeyModeEphemeral, service.KeyModePersistent:
	case service.KeyModeDirectory:
		if c.KeyDir == "" {
			errs = append(errs, errors.New("AUTH_KEY_DIR is required in directory key mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_KEY_MODE %q", c.KeyMode))
	}
	if mode == service.KeyModePersistent && c.MasterKey == "" && c.MasterKeyFile == "" {
		errs = append(errs, errors.New("AUTH_MASTER_KEY or AUTH_MASTER_KEY_FILE is required in persistent key mode"))
	}

	if !slices.Contains([]string{cryptox.AlgEdDSA, cryptox.AlgES256, cryptox.AlgRS256}, c.Algorithm) {
		errs = append(errs, fmt.Errorf("unknown AUTH_ALGORITHM %q", c.Algorithm))
	}
	if c.LockoutMaxFailures < 1 {
		errs = append(errs, errors.New("AUTH_LOCKOUT_MAX_FAILURES must be at least 1"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if _, err := httpx.ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("AUTH_TRUSTED_PROXIES: %w", err))
	}
	for _, s := range c.DefaultScopes {
		if !slices.Contains(c.AllowedScopes, s) {
			errs = append(errs, fmt.Errorf("default scope %q is not in AUTH_ALLOWED_SCOPES", s))
		}
	}
	return errors.Join(errs...)
}

// AdminPassword is the password of the seeded admin identity. Outside dev
// it must be configured explicitly.
func (c Config) AdminPassword() string {
	if c.SeedAdminPassword == "" && c.Env == "dev" {
		return DevAdminPassword
	}
	return c.SeedAdminPassword
}

func (c Config) LockoutPolicy() domain.LockoutPolicy {
	return domain.LockoutPolicy{
		MaxFailures:     c.LockoutMaxFailures,
		FailureWindow:   c.LockoutWindow,
		LockoutDuration: c.LockoutDuration,
	}
}

func (c Config) tokenRateLimit() httpx.RateLimitConfig {
	if c.TokenRateLimit <= 0 {
		return httpx.StrictLimit
	}
	return httpx.RateLimitConfig{Requests: c.TokenRateLimit, Window: time.Minute, Burst: c.TokenRateLimit}
}

// trustedProxies assumes Validate has passed.
func (c Config) trustedProxies() httpx.TrustedProxies {
	p, _ := httpx.ParseTrustedProxies(c.TrustedProxies)
	return p
}
