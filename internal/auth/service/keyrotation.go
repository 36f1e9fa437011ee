package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// KeyMode selects where signing keys come from.
type KeyMode string

const (
	// KeyModeEphemeral generates a key at startup and keeps it in memory.
	KeyModeEphemeral KeyMode = "ephemeral"
	// KeyModePersistent seals keys into the store so they survive restarts
	// and are shared between replicas.
	KeyModePersistent KeyMode = "persistent"
	// KeyModeDirectory loads PEM files from a watched directory. Rotation
	// happens by changing the files.
	KeyModeDirectory KeyMode = "directory"
)

const (
	DefaultKeyOverlap = 24 * time.Hour
	DefaultKeyMaxAge  = 90 * 24 * time.Hour
)

// KeyRotationService rotates and retires JWT signing keys at runtime.
//
// In ephemeral mode only the in-memory ring changes and retired keys are
// forgotten on restart. In persistent mode every change is written through
// the vault first and the ring is updated after commit.
type KeyRotationService struct {
	Ring      *jwtx.KeyRing
	Store     store.Store     // nil unless persistent
	Vault     *store.KeyVault // nil unless persistent
	Mode      KeyMode
	Algorithm string
	RSABits   int
	// Overlap is how long a replaced key keeps verifying tokens.
	Overlap time.Duration
	// MaxAge is the age after which Run rotates the active key.
	MaxAge   time.Duration
	Interval time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// KeyStatus describes one signing key without its private material.
type KeyStatus struct {
	Kid       string     `json:"kid"`
	Algorithm string     `json:"alg"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RotateKeyResponse is the result of a rotation.
type RotateKeyResponse struct {
	NewKey     KeyStatus `json:"new_key"`
	RetiredKid string    `json:"retired_kid,omitempty"`
	Version    uint64    `json:"version"`
}

func (s *KeyRotationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *KeyRotationService) overlap() time.Duration {
	if s.Overlap > 0 {
		return s.Overlap
	}
	return DefaultKeyOverlap
}

func (s *KeyRotationService) maxAge() time.Duration {
	if s.MaxAge > 0 {
		return s.MaxAge
	}
	return DefaultKeyMaxAge
}

func (s *KeyRotationService) persistent() bool {
	return s.Mode == KeyModePersistent && s.Vault != nil && s.Store != nil
}

// RotateKey generates a new active key. The previous active key keeps
// verifying for the overlap.
func (s *KeyRotationService) RotateKey(ctx context.Context) (*RotateKeyResponse, error) {
	if s.Mode == KeyModeDirectory {
		return nil, ErrKeyRotationDisabled
	}

	now := s.now()
	next, pemKey, err := jwtx.GenerateKey(s.Algorithm, s.RSABits, now)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	prev := s.Ring.Snapshot().Active

	if s.persistent() {
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			if err := s.Vault.In(tx).Save(ctx, next, pemKey, now.Add(s.maxAge()+s.overlap())); err != nil {
				return err
			}
			err := tx.SigningKeys().RetireSigningKey(ctx, prev.KID, now, now.Add(s.overlap()))
			if errors.Is(err, store.ErrNotFound) {
				// Already retired by another replica.
				return nil
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("persist rotated key: %w", err)
		}
	}

	snap := s.Ring.Rotate(next, s.overlap())
	s.Metrics.KeyRotated()
	slogx.FromContext(ctx).Info("signing key rotated",
		slog.String("kid", next.KID),
		slog.String("previous_kid", prev.KID),
		slog.Uint64("version", snap.Version),
	)
	return &RotateKeyResponse{
		NewKey:     KeyStatus{Kid: next.KID, Algorithm: next.Alg, Active: true, CreatedAt: next.CreatedAt},
		RetiredKid: prev.KID,
		Version:    snap.Version,
	}, nil
}

// RetireKey limits a non-active key to the overlap from now.
func (s *KeyRotationService) RetireKey(ctx context.Context, kid string) error {
	if s.Mode == KeyModeDirectory {
		return ErrKeyRotationDisabled
	}
	if s.Ring.Snapshot().Active.KID == kid {
		return jwtx.ErrActiveKey
	}

	if s.persistent() {
		now := s.now()
		err := s.Store.SigningKeys().RetireSigningKey(ctx, kid, now, now.Add(s.overlap()))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("retire signing key %s: %w", kid, err)
		}
	}
	if _, err := s.Ring.Retire(kid, s.overlap()); err != nil {
		return err
	}
	slogx.FromContext(ctx).Info("signing key retired", slog.String("kid", kid))
	return nil
}

// ListKeys returns the keys that still verify, the active one first.
func (s *KeyRotationService) ListKeys(ctx context.Context) ([]KeyStatus, error) {
	now := s.now()
	snap := s.Ring.Snapshot()

	if s.persistent() {
		rows, err := s.Store.SigningKeys().ListSigningKeys(ctx, now)
		if err != nil {
			return nil, err
		}
		out := make([]KeyStatus, 0, len(rows))
		for _, row := range rows {
			expires := row.ExpiresAt
			out = append(out, KeyStatus{
				Kid:       row.Kid,
				Algorithm: row.Algorithm,
				Active:    row.Kid == snap.Active.KID,
				CreatedAt: row.CreatedAt,
				RetiredAt: row.RetiredAt,
				ExpiresAt: &expires,
			})
		}
		return activeFirst(out), nil
	}

	var out []KeyStatus
	for _, k := range snap.Keys() {
		if _, ok := snap.Trusted(k.KID, now); !ok {
			continue
		}
		st := KeyStatus{Kid: k.KID, Algorithm: k.Alg, Active: k.KID == snap.Active.KID, CreatedAt: k.CreatedAt}
		if !k.NotAfter.IsZero() {
			notAfter := k.NotAfter
			st.ExpiresAt = &notAfter
		}
		out = append(out, st)
	}
	return activeFirst(out), nil
}

func activeFirst(keys []KeyStatus) []KeyStatus {
	for i, k := range keys {
		if k.Active && i > 0 {
			keys[0], keys[i] = keys[i], keys[0]
			break
		}
	}
	return keys
}

// Sync installs the keys currently in the vault, picking up rotations made
// by other replicas. It is a no-op outside persistent mode.
func (s *KeyRotationService) Sync(ctx context.Context) error {
	if !s.persistent() {
		return nil
	}
	active, trusted, err := s.Vault.Load(ctx, s.now())
	if err != nil {
		return err
	}
	if s.Ring.Snapshot().Active.KID == active.KID {
		return nil
	}
	snap := s.Ring.Install(active, trusted, s.overlap())
	slogx.FromContext(ctx).Info("signing keys reloaded from store",
		slog.String("kid", active.KID), slog.Uint64("version", snap.Version))
	return nil
}

// Run syncs with the store and rotates the active key once it exceeds
// MaxAge. It returns nil when ctx is cancelled.
func (s *KeyRotationService) Run(ctx context.Context) error {
	if s.Mode == KeyModeDirectory {
		return nil
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	l := slogx.FromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.Sync(ctx); err != nil {
			l.Error("signing key sync failed", slog.Any("error", err))
			continue
		}
		if s.now().Sub(s.Ring.Snapshot().Active.CreatedAt) < s.maxAge() {
			continue
		}
		if _, err := s.RotateKey(ctx); err != nil {
			l.Error("scheduled signing key rotation failed", slog.Any("error", err))
		}
	}
}
