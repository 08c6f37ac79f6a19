// Command migrate runs the embedded goose migrations against the configured
// database.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_DRIVER, DATABASE_URL and SQLITE_PATH select the database the
// same way the server does.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/mbd888/pointledger/internal/config"
	"github.com/mbd888/pointledger/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}
	_ = godotenv.Load()

	driver := os.Getenv("DATABASE_DRIVER")
	dsn := os.Getenv("DATABASE_URL")
	if driver == "" && dsn != "" {
		driver = config.DriverPostgres
	}

	var dialect database.Dialect
	switch driver {
	case config.DriverPostgres:
		if dsn == "" {
			log.Fatal("DATABASE_URL environment variable is required")
		}
		dialect = database.Postgres
	case config.DriverSQLite:
		dsn = os.Getenv("SQLITE_PATH")
		if dsn == "" {
			dsn = config.DefaultSQLitePath
		}
		dialect = database.SQLite
	default:
		log.Fatalf("DATABASE_DRIVER must be postgres or sqlite, got %q", driver)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, dialect, dsn, database.Options{MaxOpenConns: 1, SkipMigrations: true})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	out, err := database.Migrate(ctx, db, os.Args[1], os.Args[2:]...)
	for _, line := range out {
		fmt.Println(line)
	}
	if err != nil {
		log.Fatalf("Migration %s failed: %v", os.Args[1], err)
	}
}
