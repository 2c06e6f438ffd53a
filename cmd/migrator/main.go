// Command migrator applies the attestation schema (signing_keys, checkpoints,
// merkle_leaves, verdict_proofs) from migrations/ in filename order, tracking
// applied files in schema_migrations.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sigil/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Seams for main().
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, env("MIGRATIONS_DIR", "migrations"), nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// insideMigrationsDir rejects glob results that escape the migrations
// directory, returning the cleaned path otherwise.
func insideMigrationsDir(dir, file string) (string, error) {
	cleaned := filepath.Clean(file)
	if !strings.HasPrefix(cleaned, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes migrations dir %q", file, dir)
	}
	return cleaned, nil
}

// runMigrations applies every unapplied *.sql under migrationsDir in filename
// order. The readFile, glob, and logf hooks default to the real ones; tests
// inject failures through them.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return errors.New("db required")
	}
	if readFile == nil {
		// #nosec G304 -- paths are checked by insideMigrationsDir before reading.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = log.Printf
	}

	if err := ensureLedger(ctx, db); err != nil {
		return err
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		cleaned, err := insideMigrationsDir(migrationsDir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		base := filepath.Base(cleaned)
		done, err := alreadyApplied(ctx, db, base)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		sqlBytes, err := readFile(cleaned)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", cleaned, err)
		}
		if err := applyMigration(ctx, db, cleaned, base, sqlBytes); err != nil {
			return err
		}
		logf("applied migration %s", base)
	}

	logf("migrations checked: %d files", len(files))
	return nil
}

func ensureLedger(ctx context.Context, db migrationDB) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func alreadyApplied(ctx context.Context, db migrationDB, base string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, base).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	return exists, nil
}

// applyMigration runs one file and records it inside a single transaction, so
// a half-applied file never lands in schema_migrations.
func applyMigration(ctx context.Context, db migrationDB, file, base string, sqlBytes []byte) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, base); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}
