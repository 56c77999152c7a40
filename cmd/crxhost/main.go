// Package main is the entrypoint for crxhost, the extension message host.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/crx-runtime/internal/config"
	"github.com/morezero/crx-runtime/internal/server"
	"github.com/morezero/crx-runtime/pkg/db"
	"github.com/morezero/crx-runtime/pkg/manifest"
)

const usage = `Usage: crxhost [command]
       crxhost serve              Start the host (NATS router, connection tracking, HTTP).
       crxhost migrate up          Run database migrations.
       crxhost migrate status      Show migration status.
       crxhost clear               Truncate extension and connection tables; schema is preserved.
       crxhost seed [file]         Store extension manifests from a catalogue file in the database.

Commands:
  serve           (default) Start the extension host.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  clear           Truncate extension data; schema preserved.
  seed [file]     Seed manifests (file defaults to CRX_MANIFEST_FILE, then config/extensions.json).

Environment: COMMS_URL, DATABASE_URL (migrate, clear, seed, MANIFEST_SOURCE=db), MIGRATION_PATH,
CRX_MANIFEST_FILE, CTRL_REPLY_TIMEOUT, PROBE_TIMEOUT, HTTP_PORT, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("crxhost migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("crxhost migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("crxhost migrate status: %v", err)
			}
		default:
			log.Fatalf("crxhost migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("crxhost clear: %v", err)
		}
		return
	case "seed":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runSeed(file); err != nil {
			log.Fatalf("crxhost seed: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("crxhost: %v", err)
	}
}

// withDB loads config, connects to the database and runs fn.
func withDB(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	})
}

func runClear() error {
	return withDB(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearExtensions(ctx, pool); err != nil {
			return fmt.Errorf("clear extensions: %w", err)
		}
		return nil
	})
}

func runSeed(fileOverride string) error {
	return withDB(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		file := fileOverride
		if file == "" {
			file = cfg.ManifestFile
		}
		store, err := manifest.LoadFile(file)
		if err != nil {
			return fmt.Errorf("load manifests: %w", err)
		}
		n, err := seed(ctx, store, db.NewRepository(pool))
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d extension manifests.\n", n)
		return nil
	})
}

type upserter interface {
	UpsertExtension(ctx context.Context, id string, manifest []byte) (*db.Extension, error)
}

func seed(ctx context.Context, store *manifest.Store, repo upserter) (int, error) {
	n := 0
	for _, id := range store.IDs() {
		ext, ok := store.Get(id)
		if !ok {
			continue
		}
		raw, err := ext.Manifest().MarshalJSON()
		if err != nil {
			return n, fmt.Errorf("encode manifest %s: %w", id, err)
		}
		if _, err := repo.UpsertExtension(ctx, id, raw); err != nil {
			return n, fmt.Errorf("upsert %s: %w", id, err)
		}
		n++
	}
	return n, nil
}
