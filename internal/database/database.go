// Package database opens the authoritative SQL store and applies the
// embedded goose migrations for it.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Dialect names the SQL flavour a store speaks.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a connection pool tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrations opens the pool without applying pending migrations,
	// for the migrate command.
	SkipMigrations bool
}

// Open connects with the given dialect. dsn is a URL for Postgres and a
// file path for SQLite.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*DB, error) {
	switch dialect {
	case Postgres:
		return OpenPostgres(ctx, dsn, opts)
	case SQLite:
		return openSQLite(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
}

// OpenPostgres connects to Postgres and runs pending migrations.
func OpenPostgres(ctx context.Context, url string, opts Options) (*DB, error) {
	raw, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		raw.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		raw.SetConnMaxLifetime(opts.ConnMaxLifetime)
	} else {
		raw.SetConnMaxLifetime(5 * time.Minute)
	}
	return finishOpen(ctx, &DB{DB: raw, Dialect: Postgres}, opts)
}

// OpenSQLite opens (or creates) a SQLite database at path and runs pending
// migrations. ":memory:" gives a private in-memory database, which is what
// the store tests use. SQLite allows one writer, so the pool is capped at a
// single connection.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	return openSQLite(ctx, path, Options{})
}

func openSQLite(ctx context.Context, path string, opts Options) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	raw.SetMaxOpenConns(1)
	raw.SetConnMaxLifetime(0)
	return finishOpen(ctx, &DB{DB: raw, Dialect: SQLite}, opts)
}

func finishOpen(ctx context.Context, db *DB, opts Options) (*DB, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if opts.SkipMigrations {
		return db, nil
	}
	if _, err := Migrate(ctx, db, "up"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Provider returns a goose provider over the embedded migrations for the
// database's dialect.
func Provider(db *DB) (*goose.Provider, error) {
	sub, err := fs.Sub(migrations, "migrations/"+string(db.Dialect))
	if err != nil {
		return nil, err
	}
	dialect := goose.DialectPostgres
	if db.Dialect == SQLite {
		dialect = goose.DialectSQLite3
	}
	return goose.NewProvider(dialect, db.DB, sub)
}

// Migrate runs a goose command ("up", "down", "redo", "status", "version",
// "up-to N", "down-to N") and returns human readable output lines.
func Migrate(ctx context.Context, db *DB, command string, args ...string) ([]string, error) {
	p, err := Provider(db)
	if err != nil {
		return nil, err
	}

	var out []string
	addResult := func(r *goose.MigrationResult) {
		if r == nil {
			return
		}
		out = append(out, fmt.Sprintf("%-4s %s (%s)", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond)))
	}

	switch command {
	case "up":
		results, err := p.Up(ctx)
		for _, r := range results {
			addResult(r)
		}
		return out, err
	case "down":
		r, err := p.Down(ctx)
		addResult(r)
		return out, err
	case "redo":
		r, err := p.Down(ctx)
		addResult(r)
		if err != nil {
			return out, err
		}
		r, err = p.UpByOne(ctx)
		addResult(r)
		return out, err
	case "up-to", "down-to":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires a version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q", args[0])
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		for _, r := range results {
			addResult(r)
		}
		return out, err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			out = append(out, fmt.Sprintf("%-24s %s", applied, s.Source.Path))
		}
		return out, nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("version %d", v)}, nil
	default:
		return nil, fmt.Errorf("unknown migrate command %q", command)
	}
}

// Rebind rewrites Postgres-style $N placeholders for the database's dialect.
// SQLite binds ?N positionally, so repeated $N references stay shared.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
