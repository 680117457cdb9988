package database

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between the supported backends. The
// store builds its queries with `?` bind vars and sqlx.Rebind; the dialect
// only supplies the pieces that cannot be rebound mechanically.
type Dialect interface {
	// Name is the configuration name of the backend ("postgresql", "sqlite", "mysql")
	Name() string
	// DriverName is the database/sql driver to open connections with
	DriverName() string
	// Now returns the SQL expression for the current timestamp
	Now() string
	// Placeholder returns the bind variable for the nth (1-based) parameter
	Placeholder(n int) string
	// InsertIgnore builds an insert that is a no-op when a row with the same
	// conflict key already exists
	InsertIgnore(table string, cols, conflictCols []string) string
	// Upsert builds an insert that overwrites updateCols when a row with the
	// same conflict key already exists
	Upsert(table string, cols, conflictCols, updateCols []string) string
}

// FromName returns the Dialect for a configured backend name
func FromName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgresql", "postgres":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", name)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgresql" }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) Now() string { return "NOW()" }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) InsertIgnore(table string, cols, conflictCols []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), bindVars(len(cols)), strings.Join(conflictCols, ", "),
	)
}

func (postgresDialect) Upsert(table string, cols, conflictCols, updateCols []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), bindVars(len(cols)),
		strings.Join(conflictCols, ", "), excludedSets(updateCols),
	)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }
func (sqliteDialect) Now() string { return "CURRENT_TIMESTAMP" }
func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) InsertIgnore(table string, cols, conflictCols []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), bindVars(len(cols)), strings.Join(conflictCols, ", "),
	)
}

func (sqliteDialect) Upsert(table string, cols, conflictCols, updateCols []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), bindVars(len(cols)),
		strings.Join(conflictCols, ", "), excludedSets(updateCols),
	)
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }
func (mysqlDialect) Now() string { return "CURRENT_TIMESTAMP" }
func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) InsertIgnore(table string, cols, _ []string) string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), bindVars(len(cols)),
	)
}

func (mysqlDialect) Upsert(table string, cols, _, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), bindVars(len(cols)), strings.Join(sets, ", "),
	)
}

func bindVars(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func excludedSets(updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return strings.Join(sets, ", ")
}
