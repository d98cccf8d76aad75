// Package sqlitemigrate applies versioned, forward-only schema migrations to
// a SQLite database. The applied chain is recorded in a schema_migrations
// table inside the database itself, so the database always knows its own
// version.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// ErrDatabaseAhead indicates the database records more migrations than the
// known chain, usually because an older binary opened a newer database.
var ErrDatabaseAhead = errors.New("database schema is ahead of known migrations")

// ErrChainMismatch indicates the migrations recorded in the database are not
// an exact prefix of the known chain.
var ErrChainMismatch = errors.New("applied migrations diverge from known migrations")

// Migration is one versioned schema step. Versions are contiguous starting
// at 1; a chain never reorders or rewrites steps that already shipped.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Load reads NNNN_name.sql files under root in fsys and returns the chain
// ordered by version. Malformed filenames, duplicate versions, and gaps in
// the numbering are errors.
func Load(fsys fs.FS, root string) ([]Migration, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	if err := validateChain(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// Apply brings sqlDB to the newest version in migrations. It validates that
// the migrations already recorded in the database form an exact prefix of
// the chain, then applies each pending step in its own transaction together
// with its ledger row. A failed step rolls back whole, leaving the database
// at the previous version; re-running against an up-to-date database is a
// no-op.
func Apply(ctx context.Context, sqlDB *sql.DB, migrations []Migration) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	if err := validateChain(migrations); err != nil {
		return err
	}
	if err := ensureMigrationTable(ctx, sqlDB); err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, sqlDB)
	if err != nil {
		return err
	}
	if len(applied) > len(migrations) {
		return fmt.Errorf("database records %d migrations, know %d: %w", len(applied), len(migrations), ErrDatabaseAhead)
	}
	for i, record := range applied {
		if record.Version != migrations[i].Version || record.Name != migrations[i].Name {
			return fmt.Errorf("position %d: database has %04d_%s, want %04d_%s: %w",
				i, record.Version, record.Name, migrations[i].Version, migrations[i].Name, ErrChainMismatch)
		}
	}

	for _, migration := range migrations[len(applied):] {
		if err := applyOne(ctx, sqlDB, migration); err != nil {
			return err
		}
	}
	return nil
}

// Version reports the newest migration version recorded in sqlDB, or 0 for a
// database without a migration table.
func Version(ctx context.Context, sqlDB *sql.DB) (int, error) {
	var name string
	err := sqlDB.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", migrationTable,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe migration table: %w", err)
	}

	var version int
	if err := sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM "+migrationTable,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}

// Pending lists the migrations in the chain not yet applied to sqlDB.
func Pending(ctx context.Context, sqlDB *sql.DB, migrations []Migration) ([]Migration, error) {
	if err := validateChain(migrations); err != nil {
		return nil, err
	}
	version, err := Version(ctx, sqlDB)
	if err != nil {
		return nil, err
	}
	if version > len(migrations) {
		return nil, fmt.Errorf("database at version %d, know %d migrations: %w", version, len(migrations), ErrDatabaseAhead)
	}
	return migrations[version:], nil
}

func applyOne(ctx context.Context, sqlDB *sql.DB, migration Migration) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %04d_%s: %w", migration.Version, migration.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("exec migration %04d_%s: %w", migration.Version, migration.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+migrationTable+" (version, name, applied_at) VALUES (?, ?, ?)",
		migration.Version, migration.Name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %04d_%s: %w", migration.Version, migration.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %04d_%s: %w", migration.Version, migration.Name, err)
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, sqlDB *sql.DB) error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at INTEGER NOT NULL
);
`, migrationTable)
	if _, err := sqlDB.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

type appliedRecord struct {
	Version int
	Name    string
}

func appliedMigrations(ctx context.Context, sqlDB *sql.DB) ([]appliedRecord, error) {
	rows, err := sqlDB.QueryContext(ctx, "SELECT version, name FROM "+migrationTable+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedRecord
	for rows.Next() {
		var record appliedRecord
		if err := rows.Scan(&record.Version, &record.Name); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func validateChain(migrations []Migration) error {
	for i, migration := range migrations {
		if migration.Version != i+1 {
			return fmt.Errorf("migration chain: position %d holds version %d, want %d", i, migration.Version, i+1)
		}
	}
	return nil
}

func parseFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	versionPart, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: filename must be NNNN_name.sql", filename)
	}
	version, err := strconv.Atoi(versionPart)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: bad version %q", filename, versionPart)
	}
	return version, name, nil
}
