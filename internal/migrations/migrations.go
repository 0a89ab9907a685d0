// Package migrations applies dbmate-compatible schema migrations at startup.
//
// Migration files live in one directory per database type (sqlite,
// postgresql, mysql), are named YYYYMMDDHHMMSS_description.sql and carry
// "-- migrate:up" / "-- migrate:down" sections. Applied versions are tracked
// in the schema_migrations table exactly like dbmate, so the files can also
// be run with `dbmate -d schema/db/migrations/<type> up`.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	versionRe = regexp.MustCompile(`^(\d+)_`)
	upRe      = regexp.MustCompile(`(?s)-- migrate:up\s*(.*?)(?:-- migrate:down|$)`)
	downRe    = regexp.MustCompile(`(?s)-- migrate:down\s*(.*)$`)
)

// Migration is one parsed migration file.
type Migration struct {
	Version  string
	Filename string
	Up       string
	Down     string
}

// Status reports whether a migration has been applied.
type Status struct {
	Version  string
	Filename string
	Applied  bool
}

// DetectDBType detects database type from connection URL.
//
// Returns one of "sqlite", "postgresql", "mysql".
func DetectDBType(url string) (string, error) {
	url = strings.ToLower(url)

	switch {
	case strings.HasPrefix(url, "postgres"):
		return "postgresql", nil
	case strings.HasPrefix(url, "mysql"):
		return "mysql", nil
	case strings.Contains(url, "sqlite"), strings.HasPrefix(url, "file:"),
		strings.HasSuffix(url, ".db"), url == ":memory:":
		return "sqlite", nil
	}
	return "", fmt.Errorf("cannot detect database type from URL: %s", url)
}

// ExtractVersionFromFilename extracts version from migration filename.
//
// Example: "20261001000000_initial_schema.sql" -> "20261001000000"
func ExtractVersionFromFilename(filename string) string {
	if m := versionRe.FindStringSubmatch(filename); len(m) > 1 {
		return m[1]
	}
	return strings.TrimSuffix(filename, ".sql")
}

// ParseMigrationFile returns the up and down sections of a migration file.
func ParseMigrationFile(content string) (upSQL string, downSQL string) {
	if m := upRe.FindStringSubmatch(content); len(m) > 1 {
		upSQL = strings.TrimSpace(m[1])
	}
	if m := downRe.FindStringSubmatch(content); len(m) > 1 {
		downSQL = strings.TrimSpace(m[1])
	}
	return upSQL, downSQL
}

// Load reads the migrations of dbType from fsys, ordered by version.
// A missing directory yields no migrations.
func Load(fsys fs.FS, dbType string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dbType)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dbType, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", e.Name(), err)
		}
		up, down := ParseMigrationFile(string(content))
		out = append(out, Migration{
			Version:  ExtractVersionFromFilename(e.Name()),
			Filename: e.Name(),
			Up:       up,
			Down:     down,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// EnsureSchemaMigrationsTable creates the dbmate schema_migrations table.
// Safe for concurrent execution by multiple nodes.
func EnsureSchemaMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY)`)
	if err != nil && !alreadyExists(err) {
		return err
	}
	return nil
}

// GetAppliedMigrations returns the set of applied versions.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		// Table might not exist yet
		return applied, nil
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func placeholder(dbType string) string {
	if dbType == "postgresql" {
		return "$1"
	}
	return "?"
}

// RecordMigration records a migration as applied. It returns false when
// another node recorded it first.
func RecordMigration(ctx context.Context, db *sql.DB, dbType, version string) (bool, error) {
	_, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ("+placeholder(dbType)+")", version)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") ||
			strings.Contains(msg, "constraint") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "42p07") // PostgreSQL: relation already exists
}

// splitSQLStatements splits on semicolons. Migration files must not put
// semicolons inside string literals or comments.
func splitSQLStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// ExecuteSQLStatements executes the statements of a migration section.
// Statements failing because the object already exists are skipped so a
// partially applied migration can be re-run.
func ExecuteSQLStatements(ctx context.Context, db *sql.DB, content string) error {
	for _, stmt := range splitSQLStatements(content) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if alreadyExists(err) {
				slog.Debug("object already exists, skipping", "error", err)
				continue
			}
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// ApplyMigrations applies pending migrations of dbType from migrationsFS
// and returns the versions this call recorded.
func ApplyMigrations(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]string, error) {
	if migrationsFS == nil {
		slog.Warn("no migrations filesystem provided, skipping automatic migration")
		return nil, nil
	}

	all, err := Load(migrationsFS, dbType)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		slog.Warn("no migrations found, skipping automatic migration", "db_type", dbType)
		return nil, nil
	}

	if err := EnsureSchemaMigrationsTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	applied, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var versions []string
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if m.Up == "" {
			slog.Warn("no '-- migrate:up' section found", "filename", m.Filename)
			continue
		}

		slog.Info("applying migration", "filename", m.Filename)
		if err := ExecuteSQLStatements(ctx, db, m.Up); err != nil {
			return versions, fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
		}

		recorded, err := RecordMigration(ctx, db, dbType, m.Version)
		if err != nil {
			return versions, fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if recorded {
			versions = append(versions, m.Version)
		} else {
			slog.Debug("migration was applied by another node", "version", m.Version)
		}
	}

	if len(versions) > 0 {
		slog.Info("applied migrations", "count", len(versions))
	}
	return versions, nil
}

// RollbackLast runs the down section of the newest applied migration and
// returns its version, or "" if nothing is applied.
func RollbackLast(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) (string, error) {
	all, err := Load(migrationsFS, dbType)
	if err != nil {
		return "", err
	}
	applied, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return "", err
	}

	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if !applied[m.Version] {
			continue
		}
		slog.Info("rolling back migration", "filename", m.Filename)
		if err := ExecuteSQLStatements(ctx, db, m.Down); err != nil {
			return "", fmt.Errorf("failed to roll back migration %s: %w", m.Version, err)
		}
		_, err := db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = "+placeholder(dbType), m.Version)
		if err != nil {
			return "", fmt.Errorf("failed to unrecord migration %s: %w", m.Version, err)
		}
		return m.Version, nil
	}
	return "", nil
}

// GetStatus lists every known migration with its applied state.
func GetStatus(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]Status, error) {
	all, err := Load(migrationsFS, dbType)
	if err != nil {
		return nil, err
	}
	applied, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(all))
	for _, m := range all {
		out = append(out, Status{Version: m.Version, Filename: m.Filename, Applied: applied[m.Version]})
	}
	return out, nil
}
