package testsupport

import (
	"context"
	"testing"

	"mediaflow/internal/config"
	"mediaflow/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustEnqueue adds sourcePath to the analyzer queue.
func MustEnqueue(t testing.TB, store *queue.Store, sourcePath string) *queue.WorkUnit {
	t.Helper()
	unit, _, err := store.Enqueue(context.Background(), sourcePath, "")
	if err != nil {
		t.Fatalf("Enqueue %s: %v", sourcePath, err)
	}
	return unit
}
