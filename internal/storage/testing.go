package storage

import "testing"

// NewTestStore returns an in-memory store that is closed when the test ends.
func NewTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
