// Package mem is an in-memory Backend and SnapshotStore implementation.
// It is concurrency-safe and suitable for tests, prototypes, and local runs.
// NOTE: events and snapshots are kept in-process and will be lost on restart.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	ges "github.com/mickamy/go-event-sourcing"
)

// Store is an in-memory ges.Backend and ges.SnapshotStore implementation.
type Store struct {
	mu        sync.RWMutex
	byID      map[string][]ges.Event             // aggregate_id -> events ordered by version
	byType    map[string][]ges.Event             // aggregate_type -> events, resorted on read
	snapshots map[string][]ges.AggregateSnapshot // aggregate_id -> snapshots ordered by version
}

// Option configures the in-memory Store. The teacher's mem store takes a
// MetadataExtractor option directly; that concern now lives on ges.Store
// itself (spec.md §4.1), so this Option type is retained for parity but
// currently has no settings to carry.
type Option func(*Store)

// New creates a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		byID:      make(map[string][]ges.Event),
		byType:    make(map[string][]ges.Event),
		snapshots: make(map[string][]ges.AggregateSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize is a no-op for the in-memory backend; there is no schema to
// create.
func (s *Store) Initialize(_ context.Context) error { return nil }

// SaveEvents appends a batch atomically under a single lock, enforcing
// optimistic concurrency per aggregate: every event in the batch must extend
// the aggregate's current version contiguously, matching the uniqueness
// constraint the persisted backends enforce via a unique index (spec.md §6).
func (s *Store) SaveEvents(_ context.Context, events []ges.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	aggregateID := events[0].AggregateID
	current := int64(len(s.byID[aggregateID]))
	for _, e := range events {
		if e.AggregateID != aggregateID {
			return ges.NewInvalidEventDataError("mixed aggregate_id within a single SaveEvents batch")
		}
	}

	expected := current
	for _, e := range events {
		expected++
		if e.AggregateVersion != expected {
			return ges.NewOptimisticConcurrencyError(e.AggregateVersion, e.AggregateVersion-1)
		}
	}

	s.byID[aggregateID] = append(s.byID[aggregateID], events...)
	for _, e := range events {
		s.byType[e.AggregateType] = append(s.byType[e.AggregateType], e)
	}
	return nil
}

// LoadEvents returns events for aggregateID with AggregateVersion >
// fromVersion, ordered by AggregateVersion ascending.
func (s *Store) LoadEvents(_ context.Context, aggregateID string, fromVersion int64) ([]ges.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.byID[aggregateID]
	var out []ges.Event
	for _, e := range seq {
		if e.AggregateVersion > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// LoadEventsByType returns events for aggregateType with AggregateVersion >
// fromVersion, ordered by Timestamp ascending, tie-broken by
// (AggregateID, AggregateVersion).
func (s *Store) LoadEventsByType(_ context.Context, aggregateType string, fromVersion int64) ([]ges.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ges.Event
	for _, e := range s.byType[aggregateType] {
		if e.AggregateVersion > fromVersion {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].AggregateID != out[j].AggregateID {
			return out[i].AggregateID < out[j].AggregateID
		}
		return out[i].AggregateVersion < out[j].AggregateVersion
	})
	return out, nil
}

// GetAggregateVersion returns max(AggregateVersion) for aggregateID, or
// ok=false if no events exist for it.
func (s *Store) GetAggregateVersion(_ context.Context, aggregateID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.byID[aggregateID]
	if len(seq) == 0 {
		return 0, false, nil
	}
	return seq[len(seq)-1].AggregateVersion, true, nil
}

// SaveSnapshot appends a snapshot for an aggregate/version pair.
func (s *Store) SaveSnapshot(_ context.Context, snap ges.AggregateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AggregateID] = append(s.snapshots[snap.AggregateID], snap)
	return nil
}

// LoadLatestSnapshot returns the highest-version snapshot for an aggregate.
func (s *Store) LoadLatestSnapshot(_ context.Context, aggregateID string) (ges.AggregateSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.snapshots[aggregateID]
	if len(seq) == 0 {
		return ges.AggregateSnapshot{}, false, nil
	}
	latest := seq[0]
	for _, snap := range seq[1:] {
		if snap.AggregateVersion > latest.AggregateVersion {
			latest = snap
		}
	}
	return latest, true, nil
}

// ExistsAtVersion reports whether a snapshot exists at exactly version.
func (s *Store) ExistsAtVersion(_ context.Context, aggregateID string, version int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots[aggregateID] {
		if snap.AggregateVersion == version {
			return true, nil
		}
	}
	return false, nil
}

// DeleteOlderThan removes snapshots created before cutoff, returning the
// count deleted.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, seq := range s.snapshots {
		kept := seq[:0:0]
		for _, snap := range seq {
			if snap.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, snap)
		}
		s.snapshots[id] = kept
	}
	return deleted, nil
}

var _ ges.Backend = (*Store)(nil)
var _ ges.SnapshotStore = (*Store)(nil)
