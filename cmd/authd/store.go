package main

import (
	"context"
	"log/slog"

	"github.com/aussiebroadwan/authd/internal/auth/app"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// session is what management commands operate on: a migrated store and the
// credential store over it.
type session struct {
	cfg    app.Config
	logger *slog.Logger
	db     store.Store
	creds  *service.CredentialStore
}

func openSession(ctx context.Context, flags *globalFlags) (context.Context, *session, error) {
	cfg, err := flags.load()
	if err != nil {
		return ctx, nil, err
	}
	logger := app.NewLogger(cfg)
	ctx = slogx.WithContext(ctx, logger)

	db, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return ctx, nil, err
	}
	if err := app.Migrate(db); err != nil {
		_ = db.Close()
		return ctx, nil, err
	}
	creds, err := app.NewCredentials(cfg, db, nil)
	if err != nil {
		_ = db.Close()
		return ctx, nil, err
	}
	return ctx, &session{cfg: cfg, logger: logger, db: db, creds: creds}, nil
}

func (s *session) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}
