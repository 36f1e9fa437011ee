package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
)

// clockLeeway tolerates skew between this server and resource servers.
const clockLeeway = 30 * time.Second

// Keys is the signing side of the application: the ring every component
// signs and verifies with, the rotation service, and in directory mode the
// watcher that feeds the ring.
type Keys struct {
	Ring     *jwtx.KeyRing
	Rotation *service.KeyRotationService
	Watcher  *jwtx.DirWatcher
}

// InitKeys builds the key ring for the configured mode.
//
// Modes:
//   - "ephemeral": a key is generated on startup and kept in memory. All
//     outstanding tokens become invalid on restart.
//   - "persistent": keys are sealed into the store and shared between
//     replicas. The first replica to start generates the initial key.
//   - "directory": keys are PEM files in AUTH_KEY_DIR. The newest file
//     signs and changes are picked up while running.
func InitKeys(ctx context.Context, cfg Config, db store.Store, m *metrics.Metrics, logger *slog.Logger) (*Keys, error) {
	opts := jwtx.KeyRingOptions{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   clockLeeway,
	}
	rotation := &service.KeyRotationService{
		Mode:      service.KeyMode(cfg.KeyMode),
		Algorithm: cfg.Algorithm,
		RSABits:   cfg.RSABits,
		Overlap:   cfg.KeyOverlap,
		MaxAge:    cfg.KeyMaxAge,
		Interval:  cfg.KeyInterval,
		Metrics:   m,
	}
	keys := &Keys{Rotation: rotation}

	var (
		active  *jwtx.Key
		trusted []*jwtx.Key
	)
	switch rotation.Mode {
	case service.KeyModeDirectory:
		loaded, err := jwtx.LoadKeyDir(cfg.KeyDir)
		if err != nil {
			return nil, fmt.Errorf("load key directory: %w", err)
		}
		active, trusted = loaded[len(loaded)-1], loaded[:len(loaded)-1]
		logger.Info("signing keys loaded from directory",
			"dir", cfg.KeyDir, "active_kid", active.KID, "keys", len(loaded))

	case service.KeyModePersistent:
		material, err := masterKey(cfg)
		if err != nil {
			return nil, err
		}
		sealer, err := cryptox.NewSealer(material)
		if err != nil {
			return nil, err
		}
		rotation.Store = db
		rotation.Vault = store.NewKeyVault(db, sealer)

		active, trusted, err = rotation.Vault.Load(ctx, time.Now())
		if errors.Is(err, store.ErrNotFound) {
			active, err = firstPersistentKey(ctx, cfg, rotation.Vault)
			if err == nil {
				logger.Info("generated initial persistent signing key", "kid", active.KID, "algorithm", active.Alg)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("load persistent signing keys: %w", err)
		}
		logger.Info("persistent signing keys loaded",
			"active_kid", active.KID, "trusted", len(trusted))

	default:
		var err error
		active, _, err = jwtx.GenerateKey(cfg.Algorithm, cfg.RSABits, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral signing key: %w", err)
		}
		logger.Info("generated ephemeral signing key", "kid", active.KID, "algorithm", active.Alg)
		logger.Warn("tokens issued before this start are no longer valid")
	}

	ring, err := jwtx.NewKeyRing(opts, active, trusted...)
	if err != nil {
		return nil, err
	}
	keys.Ring = ring
	rotation.Ring = ring

	if rotation.Mode == service.KeyModeDirectory {
		keys.Watcher = &jwtx.DirWatcher{
			Ring:    ring,
			Dir:     cfg.KeyDir,
			Overlap: cfg.KeyOverlap,
			Logger:  logger,
		}
	}
	return keys, nil
}

func firstPersistentKey(ctx context.Context, cfg Config, vault *store.KeyVault) (*jwtx.Key, error) {
	now := time.Now()
	key, pemKey, err := jwtx.GenerateKey(cfg.Algorithm, cfg.RSABits, now)
	if err != nil {
		return nil, err
	}
	if err := vault.Save(ctx, key, pemKey, now.Add(cfg.KeyMaxAge+cfg.KeyOverlap)); err != nil {
		return nil, err
	}
	return key, nil
}

func masterKey(cfg Config) ([]byte, error) {
	if cfg.MasterKey != "" {
		return []byte(cfg.MasterKey), nil
	}
	data, err := os.ReadFile(cfg.MasterKeyFile) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}
