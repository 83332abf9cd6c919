// Package pgx is a PostgreSQL-backed ges.Backend and ges.SnapshotStore
// implementation built on jackc/pgx/v5's pgxpool.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ges "github.com/mickamy/go-event-sourcing"

	"github.com/jackc/pgx/v5"
)

// schemaDDL creates the events and snapshots tables per the persisted data
// model (spec.md §6): event_version alongside aggregate_version, a
// data_kind discriminant so Json/Opaque round-trip without silent
// conversion (I4), and indexes supporting both lookup paths §4.1 requires
// of a backend.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id                uuid PRIMARY KEY,
	aggregate_id      text NOT NULL,
	aggregate_type    text NOT NULL,
	event_type        text NOT NULL,
	event_version     integer NOT NULL,
	aggregate_version bigint NOT NULL,
	data_kind         smallint NOT NULL,
	data_json         jsonb,
	data_opaque       bytea,
	causation_id      text NOT NULL DEFAULT '',
	correlation_id    text NOT NULL DEFAULT '',
	user_id           text NOT NULL DEFAULT '',
	headers           jsonb NOT NULL DEFAULT '{}'::jsonb,
	"timestamp"       timestamptz NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_id ON events (aggregate_id);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_type_timestamp ON events (aggregate_type, "timestamp");

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id       uuid PRIMARY KEY,
	aggregate_id      text NOT NULL,
	aggregate_type    text NOT NULL,
	aggregate_version bigint NOT NULL,
	state_data        bytea NOT NULL,
	compression       smallint NOT NULL,
	original_size     integer NOT NULL,
	compressed_size   integer NOT NULL,
	event_count       integer NOT NULL,
	checksum          text NOT NULL,
	created_at        timestamptz NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_aggregate_id ON snapshots (aggregate_id, aggregate_version DESC);
`

// Store is a Postgres-backed ges.Backend and ges.SnapshotStore.
type Store struct {
	pool *Pool
}

// NewStore creates a Postgres-backed Store over pool. pool carries the
// connection-pool config/stats abstraction spec.md §5 requires of remote
// backends; construct one with NewPool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Stats returns the backing connection pool's spec.md §5 counter set.
func (s *Store) Stats() PoolStats { return s.pool.Stats() }

// Initialize creates the schema if it does not already exist.
func (s *Store) Initialize(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schemaDDL); err != nil {
		return ges.NewStorageError("initialize schema", err)
	}
	return nil
}

// SaveEvents appends a batch atomically, all-or-nothing (spec.md §4.1).
func (s *Store) SaveEvents(ctx context.Context, events []ges.Event) error {
	if len(events) == 0 {
		return nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return ges.NewStorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range events {
		var dataJSON any
		var dataOpaque []byte
		switch e.Data.Kind {
		case ges.DataJSON:
			dataJSON = e.Data.JSON
		case ges.DataOpaque:
			dataOpaque = e.Data.Opaque
		}

		headers, err := json.Marshal(e.Metadata.Headers)
		if err != nil {
			return ges.NewSerializationError("encode metadata headers", err)
		}

		var payload []byte
		if dataJSON != nil {
			payload, err = json.Marshal(dataJSON)
			if err != nil {
				return ges.NewInvalidEventDataError(fmt.Sprintf("encode json data: %v", err))
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (
				id, aggregate_id, aggregate_type, event_type, event_version,
				aggregate_version, data_kind, data_json, data_opaque,
				causation_id, correlation_id, user_id, headers, "timestamp"
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, e.EventVersion,
			e.AggregateVersion, int16(e.Data.Kind), nullableJSON(payload), dataOpaque,
			e.Metadata.CausationID, e.Metadata.CorrelationID, e.Metadata.UserID, headers, e.Timestamp.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ges.NewOptimisticConcurrencyError(e.AggregateVersion, e.AggregateVersion-1)
			}
			return ges.NewStorageError("insert event", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ges.NewStorageError("commit transaction", err)
	}
	return nil
}

// nullableJSON passes raw json.RawMessage through to the jsonb column, or nil
// when there is no structured payload (Opaque events).
func nullableJSON(payload []byte) any {
	if payload == nil {
		return nil
	}
	return payload
}

// LoadEvents returns events for aggregateID with aggregate_version >
// fromVersion, ordered ascending.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]ges.Event, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_version, aggregate_version,
		       data_kind, data_json, data_opaque, causation_id, correlation_id, user_id, headers, "timestamp"
		FROM events
		WHERE aggregate_id = $1 AND aggregate_version > $2
		ORDER BY aggregate_version ASC
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, ges.NewStorageError("query events by aggregate", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LoadEventsByType returns events for aggregateType ordered by timestamp,
// tie-broken by (aggregate_id, aggregate_version).
func (s *Store) LoadEventsByType(ctx context.Context, aggregateType string, fromVersion int64) ([]ges.Event, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_version, aggregate_version,
		       data_kind, data_json, data_opaque, causation_id, correlation_id, user_id, headers, "timestamp"
		FROM events
		WHERE aggregate_type = $1 AND aggregate_version > $2
		ORDER BY "timestamp" ASC, aggregate_id ASC, aggregate_version ASC
	`, aggregateType, fromVersion)
	if err != nil {
		return nil, ges.NewStorageError("query events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]ges.Event, error) {
	var out []ges.Event
	for rows.Next() {
		var e ges.Event
		var kind int16
		var dataJSON []byte
		var dataOpaque []byte
		var headers []byte

		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventVersion, &e.AggregateVersion,
			&kind, &dataJSON, &dataOpaque, &e.Metadata.CausationID, &e.Metadata.CorrelationID, &e.Metadata.UserID,
			&headers, &e.Timestamp,
		); err != nil {
			return nil, ges.NewStorageError("scan event row", err)
		}

		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Metadata.Headers); err != nil {
				return nil, ges.NewSerializationError("decode metadata headers", err)
			}
		}

		switch ges.DataKind(kind) {
		case ges.DataJSON:
			var v any
			if dataJSON != nil {
				if err := json.Unmarshal(dataJSON, &v); err != nil {
					return nil, ges.NewSerializationError("decode json data", err)
				}
			}
			e.Data = ges.JSONData(v)
		case ges.DataOpaque:
			e.Data = ges.OpaqueData(dataOpaque)
		}

		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ges.NewStorageError("iterate event rows", err)
	}
	return out, nil
}

// GetAggregateVersion returns max(aggregate_version) for aggregateID.
func (s *Store) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Release()

	var version int64
	err = conn.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, false, ges.NewStorageError("query aggregate version", err)
	}
	return version, version > 0, nil
}

// SaveSnapshot inserts a snapshot row for an aggregate/version pair.
func (s *Store) SaveSnapshot(ctx context.Context, snap ges.AggregateSnapshot) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO snapshots (
			snapshot_id, aggregate_id, aggregate_type, aggregate_version, state_data,
			compression, original_size, compressed_size, event_count, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (aggregate_id, aggregate_version) DO NOTHING
	`,
		snap.SnapshotID, snap.AggregateID, snap.AggregateType, snap.AggregateVersion, snap.StateData,
		int16(snap.Compression), snap.Metadata.OriginalSize, snap.Metadata.CompressedSize,
		snap.Metadata.EventCount, snap.Metadata.Checksum, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return ges.NewStorageError("insert snapshot", err)
	}
	return nil
}

// LoadLatestSnapshot returns the highest-version snapshot for an aggregate.
func (s *Store) LoadLatestSnapshot(ctx context.Context, aggregateID string) (ges.AggregateSnapshot, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return ges.AggregateSnapshot{}, false, err
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
		SELECT snapshot_id, aggregate_id, aggregate_type, aggregate_version, state_data,
		       compression, original_size, compressed_size, event_count, checksum, created_at
		FROM snapshots
		WHERE aggregate_id = $1
		ORDER BY aggregate_version DESC
		LIMIT 1
	`, aggregateID)

	var snap ges.AggregateSnapshot
	var compression int16
	if err := row.Scan(
		&snap.SnapshotID, &snap.AggregateID, &snap.AggregateType, &snap.AggregateVersion, &snap.StateData,
		&compression, &snap.Metadata.OriginalSize, &snap.Metadata.CompressedSize,
		&snap.Metadata.EventCount, &snap.Metadata.Checksum, &snap.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ges.AggregateSnapshot{}, false, nil
		}
		return ges.AggregateSnapshot{}, false, ges.NewStorageError("scan snapshot row", err)
	}
	snap.Compression = ges.Compression(compression)
	return snap, true, nil
}

// ExistsAtVersion reports whether a snapshot exists at exactly version.
func (s *Store) ExistsAtVersion(ctx context.Context, aggregateID string, version int64) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM snapshots WHERE aggregate_id = $1 AND aggregate_version = $2)`,
		aggregateID, version,
	).Scan(&exists)
	if err != nil {
		return false, ges.NewStorageError("query snapshot existence", err)
	}
	return exists, nil
}

// DeleteOlderThan removes snapshots created before cutoff, returning the
// count deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM snapshots WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, ges.NewStorageError("delete old snapshots", err)
	}
	return tag.RowsAffected(), nil
}

var _ ges.Backend = (*Store)(nil)
var _ ges.SnapshotStore = (*Store)(nil)
