package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect covers the SQL differences between the supported stores.
type Dialect interface {
	Name() string
	DriverName() string

	// Rebind rewrites '?' placeholders into the dialect's bind style.
	Rebind(query string) string

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(name string) string

	// UpsertSuffix returns the clause appended to a multi-row INSERT that
	// updates updateCols when a row collides on conflictCols.
	UpsertSuffix(conflictCols, updateCols []string) string

	// Column types used by the schema DDL.
	TimestampType() string
	LongTextType() string
}

// DialectFor returns the dialect for a state_storage.type value.
func DialectFor(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "mysql":
		return MySQL{}, nil
	case "postgres", "postgresql", "pg":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

type MySQL struct{}

func (MySQL) Name() string                  { return "mysql" }
func (MySQL) DriverName() string            { return "mysql" }
func (MySQL) Rebind(query string) string    { return query }
func (MySQL) QuoteIdent(name string) string { return "`" + strings.ReplaceAll(name, "`", "``") + "`" }
func (MySQL) TimestampType() string         { return "DATETIME(6)" }
func (MySQL) LongTextType() string          { return "LONGTEXT" }

func (MySQL) UpsertSuffix(_, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) Rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (Postgres) QuoteIdent(name string) string { return quoteDouble(name) }
func (Postgres) TimestampType() string         { return "TIMESTAMPTZ" }
func (Postgres) LongTextType() string          { return "TEXT" }

func (Postgres) UpsertSuffix(conflictCols, updateCols []string) string {
	return onConflictSuffix(conflictCols, updateCols)
}

type SQLite struct{}

func (SQLite) Name() string                  { return "sqlite" }
func (SQLite) DriverName() string            { return "sqlite" }
func (SQLite) Rebind(query string) string    { return query }
func (SQLite) QuoteIdent(name string) string { return quoteDouble(name) }
func (SQLite) TimestampType() string         { return "DATETIME" }
func (SQLite) LongTextType() string          { return "TEXT" }

func (SQLite) UpsertSuffix(conflictCols, updateCols []string) string {
	return onConflictSuffix(conflictCols, updateCols)
}

func onConflictSuffix(conflictCols, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
}

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InsertValues builds "INSERT INTO table (cols) VALUES (?, ...), (?, ...)"
// for rows rows, with '?' placeholders.
func InsertValues(table string, cols []string, rows int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	tuples := make([]string, rows)
	for i := range tuples {
		tuples[i] = tuple
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(cols, ", "), strings.Join(tuples, ", "))
}
