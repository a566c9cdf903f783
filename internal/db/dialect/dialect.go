// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Like returns the SQL LIKE operator appropriate for the driver.
//
//	SQLite:  LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE (case-insensitive)
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// CurrentDate returns the SQL expression for the current date (no time component).
//
//	SQLite:   date('now')
//	Postgres: CURRENT_DATE
func CurrentDate(driver string) string {
	if IsPostgres(driver) {
		return "CURRENT_DATE"
	}
	return "date('now')"
}

// TextPK returns the column definition for a text primary key.
//
//	SQLite:   TEXT PRIMARY KEY
//	Postgres: TEXT PRIMARY KEY (identical, kept for symmetry with callers
//	          that build schema per driver)
func TextPK(driver string) string {
	return "TEXT PRIMARY KEY"
}

// Timestamp returns the column type used for timestamps.
//
//	SQLite:   TIMESTAMP
//	Postgres: TIMESTAMPTZ
func Timestamp(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// UpsertConflict returns the ON CONFLICT clause updating the given columns.
func UpsertConflict(driver, key string, cols ...string) string {
	clause := fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET ", key)
	for i, c := range cols {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return clause
}
