package postgres

import (
	"database/sql"
	"errors"

	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/postgres/migrations"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

type migrator struct {
	db *sql.DB
}

func (m *migrator) instance() (*migrate.Migrate, error) {
	driver, err := migratepgx.WithInstance(m.db, &migratepgx.Config{})
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", src, "pgx5", driver)
}

func (m *migrator) Up() error {
	instance, err := m.instance()
	if err != nil {
		return err
	}
	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (m *migrator) Down(steps int) error {
	instance, err := m.instance()
	if err != nil {
		return err
	}
	if err := instance.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
