package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearExtensions truncates the extension tables; the schema is preserved.
func ClearExtensions(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Truncating extension tables", clearLogPrefix))
	if _, err := pool.Exec(ctx, `TRUNCATE contentscript_connections, extensions`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}
	return nil
}
