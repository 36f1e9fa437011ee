package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aussiebroadwan/authd/internal/auth/store"
)

var errNestedTx = errors.New("sqlstore: nested transactions are not supported")

// Store is the shared database/sql implementation. Drivers embed it and add
// ApplyMigrations and RevertMigrations.
type Store struct {
	db *sql.DB
	d  *Dialect

	// Migrator is supplied by the driver.
	Migrator Migrator
}

// Migrator applies the driver's embedded migrations.
type Migrator interface {
	Up() error
	Down(steps int) error
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: &d}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.d.mapError(s.db.PingContext(ctx))
}

func (s *Store) ApplyMigrations() error {
	if s.Migrator == nil {
		return errors.New("sqlstore: no migrator configured")
	}
	return s.Migrator.Up()
}

func (s *Store) RevertMigrations(steps int) error {
	if s.Migrator == nil {
		return errors.New("sqlstore: no migrator configured")
	}
	return s.Migrator.Down(steps)
}

func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.d.mapError(err)
	}
	return &txStore{tx: tx, c: conn{q: tx, d: s.d, inTx: true}}, nil
}

// WithTx commits only when fn succeeds and ctx is still live. A cancelled
// ctx therefore never leaves a partial write behind.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) conn() conn { return conn{q: s.db, d: s.d} }

func (s *Store) Identities() store.Identities       { return &identitiesRepo{c: s.conn()} }
func (s *Store) Roles() store.Roles                 { return &rolesRepo{c: s.conn()} }
func (s *Store) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{c: s.conn()} }
func (s *Store) SigningKeys() store.SigningKeys     { return &signingKeysRepo{c: s.conn()} }

type txStore struct {
	tx *sql.Tx
	c  conn
}

func (t *txStore) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return t.c.d.mapError(err)
	}
	return nil
}

func (t *txStore) Rollback() error { return t.tx.Rollback() }

// Close is a no-op; the outer store owns the connection.
func (t *txStore) Close() error { return nil }

func (t *txStore) Ping(context.Context) error { return nil }

func (t *txStore) Tx(context.Context) (store.Tx, error) { return nil, errNestedTx }

func (t *txStore) WithTx(context.Context, func(store.Tx) error) error { return errNestedTx }

func (t *txStore) ApplyMigrations() error { return errNestedTx }

func (t *txStore) RevertMigrations(int) error { return errNestedTx }

func (t *txStore) Identities() store.Identities       { return &identitiesRepo{c: t.c} }
func (t *txStore) Roles() store.Roles                 { return &rolesRepo{c: t.c} }
func (t *txStore) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{c: t.c} }
func (t *txStore) SigningKeys() store.SigningKeys     { return &signingKeysRepo{c: t.c} }
