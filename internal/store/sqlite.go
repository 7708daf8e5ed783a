package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the database directory
	DefaultDirPermissions = 0755
	// Foreign keys on every pooled connection; wait on locks instead of SQLITE_BUSY
	sqliteDSNParams = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
)

// ErrMissingDSN is returned when a backend is opened without a DSN.
var ErrMissingDSN = errors.New("database DSN not set")

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite implementation of Store, the default backend.
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

var sqliteDialect = dialect{
	name:         "SQLiteStore",
	like:         "LIKE",
	isUnique:     isSQLiteUnique,
	isForeignKey: isSQLiteForeignKey,
}

// NewSQLiteStore opens the database file named by the DSN (a path, optionally
// with a file: prefix and query), creating its directory if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	dir := filepath.Dir(sqlitePath(cfg.DSN))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	slog.Debug("NewSQLiteStore: opening", "dir", dir)

	db, err := openDB(sqliteDialect, "sqlite3", withSQLiteParams(cfg.DSN), sqliteMigrations, nil)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore{db: db, d: sqliteDialect}}, nil
}

// sqlitePath strips the file: prefix and query parameters from a DSN.
func sqlitePath(dsn string) string {
	return strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
}

// withSQLiteParams appends the connection parameters the store relies on,
// keeping any the caller already set.
func withSQLiteParams(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + sqliteDSNParams
}

func isSQLiteUnique(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isSQLiteForeignKey(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
