package store

import (
	"path/filepath"

	"stash/internal/config"
	"stash/internal/stash"
)

// NewStoreFromConfig builds the metadata store described by the
// database section of the config. The "memory" type exists for tests
// and throwaway runs.
func NewStoreFromConfig(cfg config.DatabaseConfig) (stash.MetadataStore, error) {
	switch cfg.Type {
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return NewSQLiteStore(filepath.Join(cfg.DataDir, "stash.db"))
	}
}
