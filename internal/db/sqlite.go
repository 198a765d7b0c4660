package db

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ledgerPragmas let the server, worker and CLI processes share one file.
const ledgerPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

// connect opens dbFile, creating its parent directory on first use.
func connect(dbFile, query string) (*sqlx.DB, error) {
	abs, err := filepath.Abs(dbFile)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger path %s: %w", dbFile, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := abs
	if query != "" {
		dsn += "?" + query
	}
	conn, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", abs, err)
	}
	return conn, nil
}

// NewSQLiteDB opens the upload ledger with a single connection; SQLite
// serialises writers anyway.
func NewSQLiteDB(dbFile string) (*sqlx.DB, error) {
	conn, err := connect(dbFile, ledgerPragmas)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// RunMigrations applies the embedded schema migrations. Running it against an
// up-to-date ledger is a no-op.
func RunMigrations(dbFile string) error {
	conn, err := connect(dbFile, "_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer conn.Close()

	driver, err := sqlite.WithInstance(conn.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
