package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration.
func (db *SqlTimeclockRepository) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var drv migratedb.Driver
	switch db.driver {
	case DriverPostgres:
		drv, err = migratepg.WithInstance(db.conn.DB, &migratepg.Config{})
	case DriverSqlite:
		drv, err = migratesqlite.WithInstance(db.conn.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", db.driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.driver, drv)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	// m.Close is deliberately not called: the database driver would close
	// the shared connection pool along with it.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
