package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

const DefaultHousekeepingInterval = time.Hour

// HousekeepingService periodically deletes expired refresh tokens and
// expired signing keys. Revoked refresh tokens stay until their own expiry
// so that replaying one is reported as revoked, not unknown.
type HousekeepingService struct {
	Store    store.Store
	Interval time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func (s *HousekeepingService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run cleans up once immediately and then every Interval until ctx is
// cancelled. It always returns nil so it can sit in an errgroup.
func (s *HousekeepingService) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	l := slogx.FromContext(ctx)
	l.Info("housekeeping started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Cleanup(ctx)
	for {
		select {
		case <-ticker.C:
			s.Cleanup(ctx)
		case <-ctx.Done():
			l.Info("housekeeping stopped")
			return nil
		}
	}
}

// Cleanup performs one pass. Each deletion is independent; a failure in one
// does not stop the other.
func (s *HousekeepingService) Cleanup(ctx context.Context) {
	l := slogx.FromContext(ctx)
	now := s.now()

	tokens, err := s.Store.RefreshTokens().DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		l.Error("failed to delete expired refresh tokens", slog.Any("error", err))
	} else {
		s.Metrics.HousekeepingDeleted("refresh_token", tokens)
	}

	keys, err := s.Store.SigningKeys().DeleteExpiredSigningKeys(ctx, now)
	if err != nil {
		l.Error("failed to delete expired signing keys", slog.Any("error", err))
	} else {
		s.Metrics.HousekeepingDeleted("signing_key", keys)
	}

	l.Debug("housekeeping pass completed",
		slog.Int64("refresh_tokens", tokens),
		slog.Int64("signing_keys", keys),
	)
}
