package sqlite_test

import (
	"testing"

	ges "github.com/mickamy/go-event-sourcing"
	"github.com/mickamy/go-event-sourcing/internal/storetest"
	"github.com/mickamy/go-event-sourcing/stores/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Initialize(t.Context()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return store
}

func TestStore_BackendCompliance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) ges.Backend {
		t.Helper()
		return newTestStore(t)
	})
}

func TestStore_SnapshotStoreCompliance(t *testing.T) {
	t.Parallel()
	storetest.RunSnapshotStore(t, func(t *testing.T) ges.SnapshotStore {
		t.Helper()
		return newTestStore(t)
	})
}
