// Package sqlite provides a SQLite-backed wallet ledger store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/louisbranch/walletstore/storage"
	"github.com/louisbranch/walletstore/storage/sqlite/migrations"
	"github.com/louisbranch/walletstore/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists wallet ledger state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens or creates the wallet database at path and applies any pending
// schema migrations. Open fails if a migration fails, leaving the database
// at the last committed version.
func Open(path string) (*Store, error) {
	sqlDB, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	store := &Store{sqlDB: sqlDB}
	if err := store.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// OpenDB opens the raw database handle at path without migrating, for
// tooling that inspects or upgrades a database ahead of normal use.
func OpenDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return sqlDB, nil
}

// Migrate brings the database at path to the newest schema version and
// closes it again.
func Migrate(ctx context.Context, path string) error {
	sqlDB, err := OpenDB(path)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()

	chain, err := Migrations()
	if err != nil {
		return err
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, chain); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Migrations returns the embedded schema migration chain.
func Migrations() ([]sqlitemigrate.Migration, error) {
	chain, err := sqlitemigrate.Load(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return chain, nil
}

// Migrate applies any pending schema migrations to the open database.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	chain, err := Migrations()
	if err != nil {
		return err
	}
	if err := sqlitemigrate.Apply(ctx, s.sqlDB, chain); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the migration version the database is at, 0 for a
// database that has never been migrated.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	return sqlitemigrate.Version(ctx, s.sqlDB)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func dsn(path string) string {
	return "file:" + filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
}

var _ storage.Persister = (*Store)(nil)
