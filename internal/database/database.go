package database

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSqlite, sqlx.QUESTION)
}

type SqlTimeclockRepository struct {
	conn   *sqlx.DB
	driver string
	clock  quartz.Clock
}

type Option func(*SqlTimeclockRepository)

// WithClock sets the clock used for created_at and joined_at columns.
func WithClock(clock quartz.Clock) Option {
	return func(db *SqlTimeclockRepository) {
		db.clock = clock
	}
}

func NewTimeclockRepository(driver, dsn string, opts ...Option) (*SqlTimeclockRepository, error) {
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	db := &SqlTimeclockRepository{conn: conn, driver: driver, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(db)
	}

	return db, nil
}

// SqliteDSN builds a DSN for a SQLite database file with foreign keys
// enforced and writers serialized at BEGIN.
func SqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate", path)
}

func (db *SqlTimeclockRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SqlTimeclockRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
