// Package metadata owns the SQL database that indexes objects and holds
// tree records and history. It runs on embedded SQLite by default and on
// PostgreSQL when given a postgres:// URL.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Dialect names the SQL flavour of a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DBFile is the SQLite file name inside the data directory.
const DBFile = "ksync.db"

// DB is a database handle that rewrites placeholders for its dialect and
// records query latency.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Options selects the database. DatabaseURL wins when set.
type Options struct {
	DatabaseURL string
	Dir         string
}

// Open opens the metadata database and runs migrations.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		d   *DB
		err error
	)
	if opts.DatabaseURL != "" {
		d, err = openPostgres(ctx, opts.DatabaseURL)
	} else {
		d, err = openSQLite(ctx, opts.Dir)
	}
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func openPostgres(ctx context.Context, url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db: db, dialect: Postgres}, nil
}

func openSQLite(ctx context.Context, dir string) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("database directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(filepath.Join(dir, DBFile)))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db: db, dialect: SQLite}, nil
}

func sqliteDSN(path string) string {
	dsn := "file:" + path
	for i, p := range []string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(FULL)", "foreign_keys(1)"} {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p
	}
	return dsn
}

// Dialect returns the SQL flavour of the database.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate runs the embedded migrations in name order. Every migration is
// written to be re-runnable.
func (d *DB) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Debug("running migration", zap.String("file", filepath.Base(f)), zap.String("dialect", string(d.dialect)))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *DB) Rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ExecContext runs a statement. name labels the latency metric.
func (d *DB) ExecContext(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (d *DB) QueryRowContext(ctx context.Context, name, query string, args ...any) *sql.Row {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

// QueryContext runs a query. Callers must close the rows before issuing
// another query: the SQLite handle has a single connection.
func (d *DB) QueryContext(ctx context.Context, name, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

// Tx is a transaction with the same helpers as DB.
type Tx struct {
	tx *sql.Tx
	d  *DB
}

// InTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use tx: on SQLite any query through the DB would block
// behind the transaction's connection.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, d: d}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return t.tx.ExecContext(ctx, t.d.Rebind(query), args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, name, query string, args ...any) *sql.Row {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return t.tx.QueryRowContext(ctx, t.d.Rebind(query), args...)
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure in either dialect.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
