package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/crx-runtime/pkg/db"
)

const loaderLogPrefix = "manifest:loader"

// File is the on-disk manifest catalogue.
type File struct {
	Extensions map[string]json.RawMessage `json:"extensions"`
}

// LoadFile loads the manifest catalogue. Paths are tried in order: explicit
// paths first, then CRX_MANIFEST_FILE, then config/extensions.json and
// extensions.json. When none can be read an empty Store is returned.
func LoadFile(paths ...string) (*Store, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("CRX_MANIFEST_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/extensions.json", "extensions.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", loaderLogPrefix, p, err))
			continue
		}

		store, err := f.Store()
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", loaderLogPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded %d extension manifests from %s", loaderLogPrefix, store.Len(), p))
		return store, nil
	}

	slog.Info(fmt.Sprintf("%s - No manifest file found, starting with an empty catalogue", loaderLogPrefix))
	return NewStore(), nil
}

// Store parses every manifest in the file.
func (f *File) Store() (*Store, error) {
	store := NewStore()
	for id, raw := range f.Extensions {
		m, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", id, err)
		}
		store.Put(NewExtension(id, m))
	}
	return store, nil
}

// Lister is the repository surface LoadFromRepository needs.
type Lister interface {
	ListExtensions(ctx context.Context) ([]db.Extension, error)
}

// LoadFromRepository builds a Store from the enabled extensions in the database.
// Rows with invalid manifests are skipped with a warning.
func LoadFromRepository(ctx context.Context, repo Lister) (*Store, error) {
	rows, err := repo.ListExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - load extensions: %w", loaderLogPrefix, err)
	}

	store := NewStore()
	for _, row := range rows {
		m, err := Parse(row.Manifest)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Skipping extension %s (revision %d): %v", loaderLogPrefix, row.ID, row.Revision, err))
			continue
		}
		store.Put(NewExtension(row.ID, m))
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d extension manifests from database", loaderLogPrefix, store.Len()))
	return store, nil
}
