package ges

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Backend is the sealed capability set a storage implementation provides
// (§9 Design Notes: "a small capability set... implementations selected at
// construction"). Concrete variants live under stores/{mem,sqlite,pgx}.
//
// Implementations must provide transactional inserts with per-row uniqueness
// on (aggregate_id, aggregate_version), and must report a uniqueness
// violation as an *Error of KindOptimisticConcurrency carrying the minimal
// useful pair (attempted_version, attempted_version-1) — the engine does not
// re-read to compute the true current version (spec.md §4.1 step 4).
type Backend interface {
	// Initialize prepares the backend (schema creation, pragmas, etc).
	Initialize(ctx context.Context) error

	// SaveEvents appends a non-empty batch atomically, all-or-nothing.
	SaveEvents(ctx context.Context, events []Event) error

	// LoadEvents returns events for aggregateID with AggregateVersion >
	// fromVersion (fromVersion=0 means "from the start"), ordered by
	// AggregateVersion ascending.
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]Event, error)

	// LoadEventsByType returns events for aggregateType with AggregateVersion
	// > fromVersion, ordered by Timestamp ascending, tie-broken by
	// (AggregateID, AggregateVersion).
	LoadEventsByType(ctx context.Context, aggregateType string, fromVersion int64) ([]Event, error)

	// GetAggregateVersion returns max(AggregateVersion) for aggregateID, or
	// ok=false if no events exist for it.
	GetAggregateVersion(ctx context.Context, aggregateID string) (version int64, ok bool, err error)
}

// EventStore is the facade interface both *Store and *IsolatedStore satisfy,
// so application code (e.g. a repository) can depend on the interface rather
// than the concrete tenant-wrapped-or-not type.
type EventStore interface {
	SaveEvents(ctx context.Context, events []Event) error
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]Event, error)
	LoadEventsByType(ctx context.Context, aggregateType string, fromVersion int64) ([]Event, error)
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, bool, error)
}

// Store is the Event Store facade (C3): it wraps a Backend, assigns global
// positions on publish, and integrates a Streamer. The streamer holds no
// back-reference to the store (§9 Design Notes, avoiding cyclic ownership).
type Store struct {
	backend   Backend
	streamer  *Streamer
	extractor MetadataExtractor
	logger    zerolog.Logger

	posMu     sync.Mutex
	globalPos int64
}

// StoreOption configures a Store at construction, following the teacher's
// functional-option convention.
type StoreOption func(*Store)

// WithStreamer attaches a Streamer so successful appends are published.
// Per §9's recommended resolution to the "set-streamer mutability" open
// question, attach at construction time rather than onto an already-wrapped
// tenant store.
func WithStreamer(s *Streamer) StoreOption {
	return func(st *Store) { st.streamer = s }
}

// WithMetadataExtractor sets a function that builds Metadata from context.
// When provided, SaveEvents merges extracted metadata with each event's own
// metadata; the event's own fields take precedence.
func WithMetadataExtractor(ex MetadataExtractor) StoreOption {
	return func(st *Store) { st.extractor = ex }
}

// WithLogger overrides the store's zerolog.Logger (defaults to a disabled
// logger so the library is silent unless the caller opts in).
func WithLogger(l zerolog.Logger) StoreOption {
	return func(st *Store) { st.logger = l }
}

// NewStore constructs a Store over the given Backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	st := &Store{
		backend: backend,
		logger:  zerolog.New(io.Discard),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// AttachStreamer attaches a Streamer after construction (§4.1's
// attach_streamer operation). Prefer WithStreamer at construction time when
// the store will be wrapped by a tenant IsolatedStore.
func (s *Store) AttachStreamer(streamer *Streamer) {
	s.streamer = streamer
}

// Initialize prepares the underlying backend.
func (s *Store) Initialize(ctx context.Context) error {
	return s.backend.Initialize(ctx)
}

// SaveEvents appends a batch atomically and, on success, publishes each event
// to the attached streamer exactly once with an assigned global position.
// An empty batch is a no-op that returns nil (spec.md §4.1 step 1).
func (s *Store) SaveEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if s.extractor != nil {
		extracted := s.extractor(ctx)
		for i := range events {
			events[i].Metadata = extracted.Merge(events[i].Metadata)
		}
	}

	if err := s.backend.SaveEvents(ctx, events); err != nil {
		s.logger.Warn().
			Str("aggregate_id", events[0].AggregateID).
			Int("event_count", len(events)).
			Err(err).
			Msg("save_events failed")
		return err
	}

	s.logger.Debug().
		Str("aggregate_id", events[0].AggregateID).
		Str("aggregate_type", events[0].AggregateType).
		Int("event_count", len(events)).
		Msg("save_events committed")

	if s.streamer == nil {
		return nil
	}

	// Global-position mutex held only across increment+publish, never across
	// backend I/O (§5 Shared mutable state).
	s.posMu.Lock()
	defer s.posMu.Unlock()
	for _, e := range events {
		s.globalPos++
		if err := s.streamer.PublishEvent(e, e.AggregateVersion, s.globalPos); err != nil {
			// The events are already committed, so a publishing error is
			// logged and never returned: publish does not fail the append.
			s.logger.Error().Err(err).Str("aggregate_id", e.AggregateID).Msg("publish_event failed")
		}
	}
	return nil
}

// LoadEvents returns events for aggregateID with AggregateVersion >
// fromVersion, ordered ascending.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]Event, error) {
	return s.backend.LoadEvents(ctx, aggregateID, fromVersion)
}

// LoadEventsByType returns events for aggregateType ordered by Timestamp.
func (s *Store) LoadEventsByType(ctx context.Context, aggregateType string, fromVersion int64) ([]Event, error) {
	return s.backend.LoadEventsByType(ctx, aggregateType, fromVersion)
}

// GetAggregateVersion returns the latest persisted version for aggregateID.
func (s *Store) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, bool, error) {
	return s.backend.GetAggregateVersion(ctx, aggregateID)
}

var _ EventStore = (*Store)(nil)
