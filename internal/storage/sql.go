package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name      string
	getSQL    string
	upsertSQL string
	deleteSQL string
	schemaSQL string
}

var (
	// SQLite is the dialect for modernc.org/sqlite.
	SQLite = Dialect{
		Name:      "sqlite",
		getSQL:    `SELECT value FROM anonsdk_kv WHERE key = ?`,
		upsertSQL: `INSERT INTO anonsdk_kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		deleteSQL: `DELETE FROM anonsdk_kv WHERE key = ?`,
		schemaSQL: `CREATE TABLE IF NOT EXISTS anonsdk_kv (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL)`,
	}

	// Postgres is the dialect for the pgx database/sql driver.
	Postgres = Dialect{
		Name:      "postgres",
		getSQL:    `SELECT value FROM anonsdk_kv WHERE key = $1`,
		upsertSQL: `INSERT INTO anonsdk_kv (key, value, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		deleteSQL: `DELETE FROM anonsdk_kv WHERE key = $1`,
		schemaSQL: `CREATE TABLE IF NOT EXISTS anonsdk_kv (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at BIGINT NOT NULL)`,
	}
)

// SQL stores keys in a single two-column table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQL wraps an open database. Call Migrate before first use on a fresh database.
func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, dialect: d, now: time.Now}
}

// OpenSQLite opens (creating if needed) a SQLite file and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	s := NewSQL(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through pgx and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", ErrUnavailable, err)
	}
	s := NewSQL(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the key/value table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schemaSQL); err != nil {
		return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.dialect.getSQL, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s get %s: %w", s.dialect.Name, key, err)
	}
	return v, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertSQL, key, value, s.now().Unix()); err != nil {
		return fmt.Errorf("%s set %s: %w", s.dialect.Name, key, err)
	}
	return nil
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.deleteSQL, key); err != nil {
		return fmt.Errorf("%s remove %s: %w", s.dialect.Name, key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}
