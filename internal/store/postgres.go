package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"
)

// Connection pool limits for the PostgreSQL backend
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

// SQLSTATE codes the store translates into ErrConflict / ErrNotFound.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

var postgresDialect = dialect{
	name:         "PostgresStore",
	numbered:     true,
	like:         "ILIKE",
	isUnique:     func(err error) bool { return pqCode(err) == pqUniqueViolation },
	isForeignKey: func(err error) bool { return pqCode(err) == pqForeignKeyViolation },
}

// NewPostgresStore connects to the DSN (postgres:// URL or lib/pq key=value
// form) and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}
	slog.Debug("NewPostgresStore: connecting")

	db, err := openDB(postgresDialect, "postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore{db: db, d: postgresDialect}}, nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
