package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// ErrNotFound is returned when an extension row does not exist.
var ErrNotFound = errors.New("db: extension not found")

// Repository provides database access for extension metadata.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const extensionColumns = `id, manifest, enabled, revision, created, modified`

// GetExtension finds an extension by id.
func (r *Repository) GetExtension(ctx context.Context, id string) (*Extension, error) {
	slog.Debug(fmt.Sprintf("%s - GetExtension id=%s", repoLogPrefix, id))

	row := r.pool.QueryRow(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE id = $1`, id)
	return scanExtension(row)
}

// ListExtensions returns every enabled extension ordered by id.
func (r *Repository) ListExtensions(ctx context.Context) ([]Extension, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list extensions: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		ext, err := scanExtension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ext)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list extensions: %w", repoLogPrefix, err)
	}
	return out, nil
}

// UpsertExtension creates or replaces an extension's manifest, bumping its revision.
func (r *Repository) UpsertExtension(ctx context.Context, id string, manifest []byte) (*Extension, error) {
	slog.Info(fmt.Sprintf("%s - UpsertExtension id=%s", repoLogPrefix, id))

	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO extensions (id, manifest, created, modified)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   manifest = EXCLUDED.manifest,
		   revision = extensions.revision + 1,
		   modified = $3
		 RETURNING `+extensionColumns,
		id, manifest, now)
	return scanExtension(row)
}

// SetEnabled toggles whether an extension is served.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE extensions SET enabled = $2, modified = $3 WHERE id = $1`, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - set enabled %s: %w", repoLogPrefix, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordConnection counts one content-script connection announcement.
func (r *Repository) RecordConnection(ctx context.Context, extensionID, hostName string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO contentscript_connections (extension_id, host_name, connections, last_seen)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (extension_id, host_name) DO UPDATE SET
		   connections = contentscript_connections.connections + 1,
		   last_seen = $3`,
		extensionID, hostName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - record connection %s: %w", repoLogPrefix, extensionID, err)
	}
	return nil
}

// ListConnections returns the recorded connection counters.
func (r *Repository) ListConnections(ctx context.Context) ([]ContentScriptConnection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT extension_id, host_name, connections, last_seen
		 FROM contentscript_connections ORDER BY extension_id, host_name`)
	if err != nil {
		return nil, fmt.Errorf("%s - list connections: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []ContentScriptConnection
	for rows.Next() {
		var c ContentScriptConnection
		if err := rows.Scan(&c.ExtensionID, &c.HostName, &c.Connections, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("%s - scan connection: %w", repoLogPrefix, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanExtension(row pgx.Row) (*Extension, error) {
	var e Extension
	err := row.Scan(&e.ID, &e.Manifest, &e.Enabled, &e.Revision, &e.Created, &e.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan extension: %w", repoLogPrefix, err)
	}
	return &e, nil
}
