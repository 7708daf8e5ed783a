package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name         string // log prefix, e.g. "SQLiteStore"
	numbered     bool   // $1, $2 placeholders instead of ?
	like         string // case-insensitive LIKE operator
	isUnique     func(error) bool
	isForeignKey func(error) bool
}

// sqlStore implements Store on top of database/sql. Queries are written with
// ? placeholders and rebound for backends that need numbered ones.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// openDB opens driver/dsn, pings it and applies the embedded schema. The
// handle is closed again on any failure.
func openDB(d dialect, driver, dsn, migrations string, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(d.name+" open failed", "error", err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(d.name+" ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(d.name+" migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(d.name + " ready, schema applied")
	return db, nil
}

// nowFunc returns the timestamp written to created_at / updated_at columns.
var nowFunc = func() time.Time { return time.Now().UTC() }

// q rebinds ? placeholders for the active dialect.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error(s.d.name+" Close failed", "error", err)
	} else {
		slog.Debug(s.d.name + " connection closed")
	}
	return err
}

// DB exposes the underlying handle (tests and maintenance tooling).
func (s *sqlStore) DB() *sql.DB {
	return s.db
}
