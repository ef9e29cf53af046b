package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/corral/internal/errs"
)

// Backend is the transactional two-table store behind aggregation
// repositories. One Backend may serve any number of repositories, each
// with its own pair of tables.
type Backend struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database and applies driver configuration.
//
// For SQLite the connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - a single open connection, since SQLite allows one writer at a time
//
// Postgres connections use the pgx stdlib driver with the pool defaults.
func Open(driver, dsn string) (*Backend, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	return &Backend{db: db, dialect: d}, nil
}

// OpenSQLite opens (or creates) a SQLite database file at path.
func OpenSQLite(path string) (*Backend, error) {
	return Open(DriverSQLite, path)
}

// Close closes the database connection.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying sql.DB.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Driver returns the database/sql driver name.
func (b *Backend) Driver() string {
	return b.dialect.name
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// InTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back on error or panic, so a failed sequence of
// operations leaves no partial state.
//
// Errors returned by fn are passed through unchanged; begin and commit
// failures are storage errors.
func (b *Backend) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = sqlTx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx, dialect: b.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errs.Storage("commit", err)
	}
	committed = true
	return nil
}

// EnsureTables creates the in-progress and completed tables for t.
// Idempotent: existing tables are left as they are.
func (b *Backend) EnsureTables(ctx context.Context, t Table) error {
	if err := t.Validate(); err != nil {
		return err
	}

	var hdr strings.Builder
	for _, c := range t.HeaderColumns {
		fmt.Fprintf(&hdr, "\t%s TEXT,\n", c)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	exchange_id TEXT NOT NULL,
	body %s NOT NULL,
	body_text TEXT,
	headers %s NOT NULL,
%s	version %s NOT NULL
)`, t.Name, b.dialect.blobType, b.dialect.blobType, hdr.String(), b.dialect.bigintType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	correlation_key TEXT NOT NULL,
	body %s NOT NULL,
	body_text TEXT,
	headers %s NOT NULL,
%s	stored_at %s NOT NULL,
	instance_id TEXT,
	delivery_count INTEGER NOT NULL DEFAULT 0
)`, t.CompletedName(), b.dialect.blobType, b.dialect.blobType, hdr.String(), b.dialect.bigintType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stored_at ON %s (stored_at)`,
			t.CompletedName(), t.CompletedName()),
	}

	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return errs.Storage("ensure tables", fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return nil
}

// EnsureDeadLetterTable creates a dead-letter table named name.
func (b *Backend) EnsureDeadLetterTable(ctx context.Context, name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return fmt.Errorf("dead letter table: %w", err)
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	correlation_key TEXT NOT NULL,
	body %s NOT NULL,
	headers %s NOT NULL,
	dead_lettered_at %s NOT NULL
)`, name, b.dialect.blobType, b.dialect.blobType, b.dialect.bigintType)
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return errs.Storage("ensure dead letter table", fmt.Errorf("%s: %w", name, err))
	}
	return nil
}

// Tx is one open transaction. All table operations run on a Tx so callers
// can compose them atomically.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}
