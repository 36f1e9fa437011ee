package sqlite

import (
	"database/sql"
	"errors"

	"github.com/aussiebroadwan/authd/internal/auth/store/drivers/sqlite/migrations"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

type migrator struct {
	db *sql.DB
}

func (m *migrator) instance() (*migrate.Migrate, error) {
	driver, err := migratesqlite.WithInstance(m.db, &migratesqlite.Config{})
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", src, "sqlite", driver)
}

// Up applies every pending migration from the embedded set.
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
