package mem_test

import (
	"testing"

	ges "github.com/mickamy/go-event-sourcing"
	"github.com/mickamy/go-event-sourcing/internal/storetest"
	"github.com/mickamy/go-event-sourcing/stores/mem"
)

func TestStore_BackendCompliance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) ges.Backend {
		t.Helper()
		return mem.New()
	})
}

func TestStore_SnapshotStoreCompliance(t *testing.T) {
	t.Parallel()
	storetest.RunSnapshotStore(t, func(t *testing.T) ges.SnapshotStore {
		t.Helper()
		return mem.New()
	})
}
