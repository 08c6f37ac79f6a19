// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/pointledger/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDB   *database.DB
	pgErr  error
)

// PG returns a migrated Postgres database with every application table
// emptied. It connects to POSTGRES_URL when set and otherwise starts one
// shared container for the test binary.
//
// Callers in the same package must not run in parallel: each call
// truncates the tables the previous caller used.
func PG(t *testing.T) *database.DB {
	t.Helper()
	pgOnce.Do(func() { pgDB, pgErr = start() })
	if pgErr != nil {
		t.Fatalf("pgtest: %v", pgErr)
	}
	truncateAll(t, pgDB)
	return pgDB
}

func start() (*database.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("pointledger"),
			postgres.WithUsername("pointledger"),
			postgres.WithPassword("pointledger"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(time.Minute)),
		)
		if err != nil {
			return nil, err
		}
		// The reaper removes the container when the test binary exits.
		url, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			return nil, err
		}
	}
	return database.OpenPostgres(ctx, url, database.Options{MaxOpenConns: 20})
}

// truncateAll empties every application table. goose's version table is
// left alone so migrations are not re-run.
func truncateAll(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		t.Fatalf("pgtest: list tables: %v", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()

	if len(tables) == 0 {
		return
	}
	// Table names come from pg_tables, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("pgtest: truncate: %v", err)
	}
}
