// Package maintenance implements the wallet database maintenance command.
// It upgrades a database ahead of deployment and reports schema and row
// statistics, so operators never depend on the wallet process itself to
// migrate.
package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/louisbranch/walletstore/internal/platform/config"
	"github.com/louisbranch/walletstore/storage/sqlite"
	"github.com/louisbranch/walletstore/storage/sqlitemigrate"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath     string        `env:"WALLETSTORE_DB_PATH"`
	Timeout    time.Duration `env:"WALLETSTORE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	Migrate    bool
	Status     bool
	Stats      bool
	JSONOutput bool
}

type envConfig struct {
	DBPath  string        `env:"WALLETSTORE_DB_PATH"`
	Timeout time.Duration `env:"WALLETSTORE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:  envCfg.DBPath,
		Timeout: envCfg.Timeout,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "wallet.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to wallet sqlite database (default: WALLETSTORE_DB_PATH or data/wallet.db)")
	fs.BoolVar(&cfg.Migrate, "migrate", false, "apply pending schema migrations")
	fs.BoolVar(&cfg.Status, "status", false, "report schema version and pending migrations")
	fs.BoolVar(&cfg.Stats, "stats", false, "report per-table row counts")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	if cfg.Migrate && cfg.Status {
		return errors.New("-migrate cannot be combined with -status")
	}
	if cfg.Migrate && cfg.Stats {
		return errors.New("-migrate cannot be combined with -stats")
	}
	if cfg.Status && cfg.Stats {
		return errors.New("-status cannot be combined with -stats")
	}
	if !cfg.Migrate && !cfg.Status && !cfg.Stats {
		return errors.New("one of -migrate, -status, or -stats is required")
	}

	sqlDB, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sqlDB.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close database: %v\n", closeErr)
		}
	}()

	chain, err := sqlite.Migrations()
	if err != nil {
		return err
	}

	switch {
	case cfg.Migrate:
		return runMigrate(ctx, sqlDB, chain, cfg.JSONOutput, out)
	case cfg.Status:
		return runStatus(ctx, sqlDB, chain, cfg.JSONOutput, out)
	default:
		return runStats(ctx, sqlDB, cfg.JSONOutput, out)
	}
}

type migrationStep struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

type migrateReport struct {
	Mode        string          `json:"mode"`
	FromVersion int             `json:"from_version"`
	ToVersion   int             `json:"to_version"`
	Applied     []migrationStep `json:"applied,omitempty"`
}

type statusReport struct {
	Mode           string          `json:"mode"`
	CurrentVersion int             `json:"current_version"`
	LatestVersion  int             `json:"latest_version"`
	Pending        []migrationStep `json:"pending,omitempty"`
}

type tableStat struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

type statsReport struct {
	Mode          string      `json:"mode"`
	SchemaVersion int         `json:"schema_version"`
	Tables        []tableStat `json:"tables"`
}

func runMigrate(ctx context.Context, sqlDB *sql.DB, chain []sqlitemigrate.Migration, jsonOutput bool, out io.Writer) error {
	from, err := sqlitemigrate.Version(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	pending, err := sqlitemigrate.Pending(ctx, sqlDB, chain)
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, chain); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	report := migrateReport{
		Mode:        "migrate",
		FromVersion: from,
		ToVersion:   from + len(pending),
		Applied:     migrationSteps(pending),
	}
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode migrate report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	if len(report.Applied) == 0 {
		fmt.Fprintf(out, "Schema is up to date at version %d\n", report.ToVersion)
		return nil
	}
	fmt.Fprintf(out, "Migrated schema from version %d to %d\n", report.FromVersion, report.ToVersion)
	for _, step := range report.Applied {
		fmt.Fprintf(out, "- %04d %s\n", step.Version, step.Name)
	}
	return nil
}

func runStatus(ctx context.Context, sqlDB *sql.DB, chain []sqlitemigrate.Migration, jsonOutput bool, out io.Writer) error {
	current, err := sqlitemigrate.Version(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	pending, err := sqlitemigrate.Pending(ctx, sqlDB, chain)
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}

	latest := 0
	if len(chain) > 0 {
		latest = chain[len(chain)-1].Version
	}
	report := statusReport{
		Mode:           "status",
		CurrentVersion: current,
		LatestVersion:  latest,
		Pending:        migrationSteps(pending),
	}
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode status report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Schema version: %d (latest %d)\n", report.CurrentVersion, report.LatestVersion)
	if len(report.Pending) == 0 {
		fmt.Fprintln(out, "Pending migrations: none")
		return nil
	}
	fmt.Fprintf(out, "Pending migrations (%d):\n", len(report.Pending))
	for _, step := range report.Pending {
		fmt.Fprintf(out, "- %04d %s\n", step.Version, step.Name)
	}
	return nil
}

func runStats(ctx context.Context, sqlDB *sql.DB, jsonOutput bool, out io.Writer) error {
	version, err := sqlitemigrate.Version(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	tables, err := listTables(ctx, sqlDB)
	if err != nil {
		return err
	}

	report := statsReport{Mode: "stats", SchemaVersion: version, Tables: []tableStat{}}
	for _, table := range tables {
		var rows int64
		if err := sqlDB.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&rows); err != nil {
			return fmt.Errorf("count rows in %s: %w", table, err)
		}
		report.Tables = append(report.Tables, tableStat{Table: table, Rows: rows})
	}
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode stats report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Row counts (schema version %d):\n", report.SchemaVersion)
	for _, stat := range report.Tables {
		fmt.Fprintf(out, "- %s: %d\n", stat.Table, stat.Rows)
	}
	return nil
}

func migrationSteps(chain []sqlitemigrate.Migration) []migrationStep {
	steps := make([]migrationStep, 0, len(chain))
	for _, migration := range chain {
		steps = append(steps, migrationStep{Version: migration.Version, Name: migration.Name})
	}
	return steps
}

func listTables(ctx context.Context, sqlDB *sql.DB) ([]string, error) {
	rows, err := sqlDB.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func openDatabase(path string) (*sql.DB, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return sqlite.OpenDB(cleanPath)
}
