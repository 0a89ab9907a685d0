package storage

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Driver abstracts database-specific SQL differences. Queries are written
// with "?" placeholders and rebound per dialect.
type Driver interface {
	// DriverName returns the driver name (e.g., "sqlite", "postgres")
	DriverName() string

	// Placeholder returns the placeholder for the nth parameter.
	// SQLite/MySQL: ?, PostgreSQL: $n
	Placeholder(n int) string

	// ForUpdate returns the row locking clause for SELECT.
	// SQLite: "" (the write lock is database-wide)
	ForUpdate() string

	// IsUniqueViolation reports whether err is a primary key or unique
	// constraint violation.
	IsUniqueViolation(err error) bool

	// InsertIgnore returns an INSERT of columns into table that does nothing
	// when the row already exists.
	InsertIgnore(table string, columns ...string) string

	// TxOptions returns the options transactions are started with.
	// Locking reads must observe rows committed after the transaction began,
	// so every dialect runs at READ COMMITTED or stricter serialization.
	TxOptions() *sql.TxOptions
}

// Rebind rewrites "?" placeholders for the driver.
func Rebind(d Driver, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// inClause returns "(?, ?, ...)" with n placeholders.
func inClause(n int) string {
	if n == 0 {
		return "(NULL)"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func insertColumns(table string, columns []string) string {
	return table + " (" + strings.Join(columns, ", ") + ") VALUES " + inClause(len(columns))
}

// SQLiteDriver implements Driver for SQLite.
type SQLiteDriver struct{}

func (d *SQLiteDriver) DriverName() string {
	return "sqlite"
}

func (d *SQLiteDriver) Placeholder(n int) string {
	return "?"
}

func (d *SQLiteDriver) ForUpdate() string {
	return ""
}

func (d *SQLiteDriver) IsUniqueViolation(err error) bool {
	// modernc.org/sqlite reports "constraint failed: UNIQUE constraint failed: ..."
	// (extended codes 1555/2067).
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "(1555)") ||
		strings.Contains(msg, "(2067)")
}

func (d *SQLiteDriver) InsertIgnore(table string, columns ...string) string {
	return "INSERT OR IGNORE INTO " + insertColumns(table, columns)
}

// TxOptions returns nil: SQLite transactions are serializable and the
// storage holds a single connection.
func (d *SQLiteDriver) TxOptions() *sql.TxOptions {
	return nil
}

// PostgresDriver implements Driver for PostgreSQL.
type PostgresDriver struct{}

func (d *PostgresDriver) DriverName() string {
	return "postgres"
}

func (d *PostgresDriver) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d *PostgresDriver) ForUpdate() string {
	return "FOR UPDATE"
}

func (d *PostgresDriver) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *PostgresDriver) InsertIgnore(table string, columns ...string) string {
	return "INSERT INTO " + insertColumns(table, columns) + " ON CONFLICT DO NOTHING"
}

func (d *PostgresDriver) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// MySQLDriver implements Driver for MySQL 8.0+.
type MySQLDriver struct{}

func (d *MySQLDriver) DriverName() string {
	return "mysql"
}

func (d *MySQLDriver) Placeholder(n int) string {
	return "?"
}

func (d *MySQLDriver) ForUpdate() string {
	return "FOR UPDATE"
}

func (d *MySQLDriver) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func (d *MySQLDriver) InsertIgnore(table string, columns ...string) string {
	return "INSERT IGNORE INTO " + insertColumns(table, columns)
}

// TxOptions selects READ COMMITTED. Under InnoDB's default REPEATABLE READ
// a plain SELECT after a lock wait still reads the snapshot taken before
// the wait.
func (d *MySQLDriver) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// NewDriver creates a new driver based on the database URL.
func NewDriver(dbURL string) Driver {
	if strings.HasPrefix(dbURL, "postgres") {
		return &PostgresDriver{}
	}
	if strings.HasPrefix(dbURL, "mysql") {
		return &MySQLDriver{}
	}
	return &SQLiteDriver{}
}
