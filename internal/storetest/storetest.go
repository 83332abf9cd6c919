// Package storetest is a reusable Backend compliance suite, exercised
// against every concrete backend (mem, sqlite, pgx) so the suite's pass/fail
// verifies the contract rather than any one implementation's quirks.
package storetest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	ges "github.com/mickamy/go-event-sourcing"
)

// Factory creates a new Backend instance for testing. Each test should
// receive a fresh, isolated instance. Use t.Cleanup for teardown logic if
// necessary.
type Factory func(t *testing.T) ges.Backend

func newEvent(aggregateID, aggregateType, eventType string, version int64, payload any) ges.Event {
	return ges.Event{
		ID:               uuid.New(),
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		EventType:        eventType,
		EventVersion:     1,
		AggregateVersion: version,
		Data:             ges.JSONData(payload),
		Timestamp:        time.Now().UTC(),
	}
}

// Run executes the Backend compliance suite. Each subtest runs in parallel,
// so backends must be concurrency-safe.
func Run(t *testing.T, newBackend Factory) {
	t.Run("save and load events in version order", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		if err := b.Initialize(ctx); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		if err := b.SaveEvents(ctx, []ges.Event{
			newEvent("u1", "User", "UserRegistered", 1, map[string]any{"name": "Ada"}),
		}); err != nil {
			t.Fatalf("save_events: %v", err)
		}
		if err := b.SaveEvents(ctx, []ges.Event{
			newEvent("u1", "User", "UserRenamed", 2, map[string]any{"name": "Grace"}),
		}); err != nil {
			t.Fatalf("save_events: %v", err)
		}

		events, err := b.LoadEvents(ctx, "u1", 0)
		if err != nil {
			t.Fatalf("load_events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].AggregateVersion != 1 || events[1].AggregateVersion != 2 {
			t.Fatalf("expected versions 1,2 in order, got %d,%d", events[0].AggregateVersion, events[1].AggregateVersion)
		}

		version, ok, err := b.GetAggregateVersion(ctx, "u1")
		if err != nil {
			t.Fatalf("get_aggregate_version: %v", err)
		}
		if !ok || version != 2 {
			t.Fatalf("expected version 2, got %d (ok=%v)", version, ok)
		}
	})

	t.Run("load_events excludes up to from_version", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		for v := int64(1); v <= 3; v++ {
			if err := b.SaveEvents(ctx, []ges.Event{newEvent("u2", "User", "Touched", v, v)}); err != nil {
				t.Fatalf("save_events v=%d: %v", v, err)
			}
		}

		events, err := b.LoadEvents(ctx, "u2", 1)
		if err != nil {
			t.Fatalf("load_events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events after version 1, got %d", len(events))
		}
	})

	t.Run("optimistic concurrency on version collision", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		if err := b.SaveEvents(ctx, []ges.Event{newEvent("u3", "User", "UserRegistered", 1, nil)}); err != nil {
			t.Fatalf("first save_events: %v", err)
		}

		err := b.SaveEvents(ctx, []ges.Event{newEvent("u3", "User", "UserRegistered", 1, nil)})
		var gesErr *ges.Error
		if !errors.As(err, &gesErr) || gesErr.Kind != ges.KindOptimisticConcurrency {
			t.Fatalf("expected OptimisticConcurrency error, got %v", err)
		}
		if !errors.Is(err, ges.ErrOptimisticConcurrency) {
			t.Fatalf("expected errors.Is match against ErrOptimisticConcurrency")
		}
	})

	t.Run("concurrent writers on the same aggregate: exactly one wins", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		const attempts = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		wg.Add(attempts)
		for i := 0; i < attempts; i++ {
			go func() {
				defer wg.Done()
				err := b.SaveEvents(ctx, []ges.Event{newEvent("u4", "User", "UserRegistered", 1, nil)})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if successes != 1 {
			t.Fatalf("expected exactly 1 successful writer, got %d", successes)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		if err := b.SaveEvents(ctx, nil); err != nil {
			t.Fatalf("expected nil error for empty batch, got %v", err)
		}
		if _, ok, err := b.GetAggregateVersion(ctx, "nonexistent"); err != nil || ok {
			t.Fatalf("expected no version for untouched aggregate, ok=%v err=%v", ok, err)
		}
	})

	t.Run("load_events_by_type filters and orders by timestamp", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		u5 := newEvent("u5", "User", "UserRegistered", 1, nil)
		o1 := newEvent("o1", "Order", "OrderPlaced", 1, nil)
		u5.Timestamp = time.Now().UTC()
		o1.Timestamp = u5.Timestamp.Add(time.Millisecond)

		if err := b.SaveEvents(ctx, []ges.Event{u5}); err != nil {
			t.Fatalf("save u5: %v", err)
		}
		if err := b.SaveEvents(ctx, []ges.Event{o1}); err != nil {
			t.Fatalf("save o1: %v", err)
		}
		// Saved last but stamped earliest, so save order differs from
		// timestamp order.
		u7 := newEvent("u7", "User", "UserRegistered", 1, nil)
		u7.Timestamp = u5.Timestamp.Add(-time.Millisecond)
		if err := b.SaveEvents(ctx, []ges.Event{u7}); err != nil {
			t.Fatalf("save u7: %v", err)
		}

		events, err := b.LoadEventsByType(ctx, "User", 0)
		if err != nil {
			t.Fatalf("load_events_by_type: %v", err)
		}
		for i, e := range events {
			if e.AggregateType != "User" {
				t.Fatalf("expected only User events, got %s", e.AggregateType)
			}
			if i > 0 && e.Timestamp.Before(events[i-1].Timestamp) {
				t.Fatalf("expected timestamp order, event %d (%v) precedes event %d (%v)", i, e.Timestamp, i-1, events[i-1].Timestamp)
			}
		}
	})

	t.Run("opaque and json data round-trip without conversion", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		_ = b.Initialize(ctx)

		jsonEvent := newEvent("u6", "User", "UserRegistered", 1, map[string]any{"name": "Ada"})
		opaqueEvent := ges.Event{
			ID:               uuid.New(),
			AggregateID:      "u6",
			AggregateType:    "User",
			EventType:        "RawBlobStored",
			EventVersion:     1,
			AggregateVersion: 2,
			Data:             ges.OpaqueData([]byte{0x01, 0x02, 0x03}),
			Timestamp:        time.Now().UTC(),
		}

		if err := b.SaveEvents(ctx, []ges.Event{jsonEvent}); err != nil {
			t.Fatalf("save json event: %v", err)
		}
		if err := b.SaveEvents(ctx, []ges.Event{opaqueEvent}); err != nil {
			t.Fatalf("save opaque event: %v", err)
		}

		events, err := b.LoadEvents(ctx, "u6", 0)
		if err != nil {
			t.Fatalf("load_events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].Data.Kind != ges.DataJSON {
			t.Fatalf("expected first event to remain DataJSON, got %v", events[0].Data.Kind)
		}
		if events[1].Data.Kind != ges.DataOpaque {
			t.Fatalf("expected second event to remain DataOpaque, got %v", events[1].Data.Kind)
		}
	})
}

// SnapshotFactory creates a new SnapshotStore instance for testing.
type SnapshotFactory func(t *testing.T) ges.SnapshotStore

// RunSnapshotStore executes the SnapshotStore compliance suite.
func RunSnapshotStore(t *testing.T, newStore SnapshotFactory) {
	t.Run("save and load latest snapshot", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		snap1 := ges.AggregateSnapshot{
			SnapshotID:       uuid.New(),
			AggregateID:      "u1",
			AggregateType:    "User",
			AggregateVersion: 100,
			StateData:        []byte("state-v100"),
			Compression:      ges.CompressionNone,
			CreatedAt:        time.Now().UTC(),
		}
		snap2 := snap1
		snap2.SnapshotID = uuid.New()
		snap2.AggregateVersion = 200
		snap2.StateData = []byte("state-v200")

		if err := store.SaveSnapshot(ctx, snap1); err != nil {
			t.Fatalf("save snap1: %v", err)
		}
		if err := store.SaveSnapshot(ctx, snap2); err != nil {
			t.Fatalf("save snap2: %v", err)
		}

		latest, ok, err := store.LoadLatestSnapshot(ctx, "u1")
		if err != nil {
			t.Fatalf("load_latest_snapshot: %v", err)
		}
		if !ok {
			t.Fatal("expected a snapshot to be found")
		}
		if latest.AggregateVersion != 200 {
			t.Fatalf("expected latest version 200, got %d", latest.AggregateVersion)
		}
	})

	t.Run("exists_at_version", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		snap := ges.AggregateSnapshot{
			SnapshotID:       uuid.New(),
			AggregateID:      "u2",
			AggregateType:    "User",
			AggregateVersion: 100,
			StateData:        []byte("state"),
			CreatedAt:        time.Now().UTC(),
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}

		exists, err := store.ExistsAtVersion(ctx, "u2", 100)
		if err != nil || !exists {
			t.Fatalf("expected snapshot to exist at version 100: exists=%v err=%v", exists, err)
		}
		exists, err = store.ExistsAtVersion(ctx, "u2", 99)
		if err != nil || exists {
			t.Fatalf("expected no snapshot at version 99: exists=%v err=%v", exists, err)
		}
	})

	t.Run("delete_older_than", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		old := ges.AggregateSnapshot{
			SnapshotID:       uuid.New(),
			AggregateID:      "u3",
			AggregateType:    "User",
			AggregateVersion: 100,
			StateData:        []byte("old"),
			CreatedAt:        time.Now().UTC().Add(-48 * time.Hour),
		}
		recent := old
		recent.SnapshotID = uuid.New()
		recent.AggregateVersion = 200
		recent.CreatedAt = time.Now().UTC()

		if err := store.SaveSnapshot(ctx, old); err != nil {
			t.Fatalf("save old: %v", err)
		}
		if err := store.SaveSnapshot(ctx, recent); err != nil {
			t.Fatalf("save recent: %v", err)
		}

		deleted, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("delete_older_than: %v", err)
		}
		if deleted != 1 {
			t.Fatalf("expected 1 snapshot deleted, got %d", deleted)
		}
	})
}
