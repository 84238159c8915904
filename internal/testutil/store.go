package testutil

import (
	"testing"

	"stash/internal/stash"
	"stash/internal/store"
)

// NewTestStore creates an in-memory metadata store with the schema
// applied. The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) stash.MetadataStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}
