package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/aussiebroadwan/authd/internal/auth/http"
	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"golang.org/x/sync/errgroup"
)

// BuildVersion is overridden at build time with
// -ldflags "-X github.com/aussiebroadwan/authd/internal/auth/app.BuildVersion=...".
var BuildVersion = "v0.1.0"

// Application encapsulates the authorization server with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db       store.Store
	keys     *Keys
	services *Services
	metrics  *metrics.Metrics

	server *http.Server
	router *httpapi.Router

	shutdownTracing shutdownFunc
	flushSentry     func()
}

// NewLogger builds the process logger from the configuration.
func NewLogger(cfg Config) *slog.Logger {
	return slogx.New(slogx.Config{
		Service: "authd",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})
}

// New wires every component. Store, migration, seed and key failures are
// returned so the process exits before it listens.
func New(ctx context.Context, cfg Config) (*Application, error) {
	app := &Application{
		cfg:     cfg,
		logger:  NewLogger(cfg),
		metrics: metrics.New(),
	}
	ctx = slogx.WithContext(ctx, app.logger)
	app.logger.Info("configuration loaded",
		"key_mode", cfg.KeyMode,
		"algorithm", cfg.Algorithm,
		"issuer", cfg.Issuer,
		"access_ttl", cfg.AccessTTL,
		"refresh_ttl", cfg.RefreshTTL,
		"lockout_max_failures", cfg.LockoutMaxFailures,
		"master_key", slogx.Redacted(cfg.MasterKey),
		"seed_admin_password", slogx.Redacted(cfg.SeedAdminPassword),
	)

	var err error
	if app.flushSentry, err = setupSentry(cfg, app.logger); err != nil {
		return nil, err
	}
	if app.shutdownTracing, err = setupTracing(ctx, cfg, app.logger); err != nil {
		return nil, err
	}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}

	app.keys, err = InitKeys(ctx, cfg, app.db, app.metrics, app.logger)
	if err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	app.services, err = NewServices(cfg, app.db, app.keys.Ring, app.metrics)
	if err != nil {
		_ = app.db.Close()
		return nil, err
	}

	seed, err := LoadSeed(cfg, cfg.SeedFile, app.logger)
	if err == nil {
		err = ApplySeed(ctx, app.services.Credentials, seed)
	}
	if err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.logger.Info("seed applied", "roles", len(seed.Roles), "identities", len(seed.Identities))

	app.initHTTP()
	return app, nil
}

func (app *Application) initStore(ctx context.Context) error {
	db, err := OpenStore(ctx, app.cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return err
	}
	app.db = db
	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(app.keys.Ring, BuildVersion, app.db, app.logger)
	router.Grants = app.services.Grants
	router.Validator = app.services.Validator
	router.Credentials = app.services.Credentials
	router.Tracker = app.services.Tracker
	router.Keys = app.keys.Rotation
	router.Metrics = app.metrics
	router.CORSOrigins = app.cfg.CORSOrigins
	router.TokenRateLimit = app.cfg.tokenRateLimit()
	router.TrustedProxies = app.cfg.trustedProxies()
	router.TOTPIssuer = app.cfg.TOTPIssuer
	router.ApplyRoutes()
	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. Background workers stop with the server.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = slogx.WithContext(ctx, app.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("auth service starting",
			"port", app.cfg.Port, "key_mode", app.cfg.KeyMode, "version", BuildVersion)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error { return app.services.Housekeeping.Run(gctx) })
	g.Go(func() error { return app.keys.Rotation.Run(gctx) })
	if app.keys.Watcher != nil {
		g.Go(func() error { return app.keys.Watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutdown signal received")
		return app.shutdownServer()
	})

	err := g.Wait()
	app.Close()
	return err
}

func (app *Application) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Close flushes telemetry and closes the store. Run calls it on exit;
// callers that never Run must call it themselves.
func (app *Application) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.shutdownTracing(ctx); err != nil {
		app.logger.Warn("tracer shutdown failed", "error", err)
	}
	app.flushSentry()
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
	}
	app.logger.Info("auth service stopped")
}

// Handler exposes the wired router, mainly for tests.
func (app *Application) Handler() http.Handler { return app.router }
