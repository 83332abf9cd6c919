// Package sqlite is a SQLite-backed ges.Backend and ges.SnapshotStore
// implementation built on modernc.org/sqlite, the pure-Go driver — no CGo
// dependency, matching the pack's sole direct SQLite-backed event store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	ges "github.com/mickamy/go-event-sourcing"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id                TEXT PRIMARY KEY,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	event_version     INTEGER NOT NULL,
	aggregate_version INTEGER NOT NULL,
	data_kind         INTEGER NOT NULL,
	data_json         TEXT,
	data_opaque       BLOB,
	causation_id      TEXT NOT NULL DEFAULT '',
	correlation_id    TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	headers           TEXT NOT NULL DEFAULT '{}',
	timestamp         TEXT NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_id ON events (aggregate_id);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_type_timestamp ON events (aggregate_type, timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id       TEXT PRIMARY KEY,
	aggregate_id      TEXT NOT NULL,
	aggregate_type    TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	state_data        BLOB NOT NULL,
	compression       INTEGER NOT NULL,
	original_size     INTEGER NOT NULL,
	compressed_size   INTEGER NOT NULL,
	event_count       INTEGER NOT NULL,
	checksum          TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_aggregate_id ON snapshots (aggregate_id, aggregate_version DESC);
`

type config struct {
	dsn          string
	maxOpenConns int
	walMode      bool
}

func defaultConfig() config {
	return config{dsn: "ges.db", maxOpenConns: 25, walMode: true}
}

// Option configures a Store at construction, in the pack's functional-option
// idiom for this driver.
type Option func(*config)

// WithDSN sets the data source name (file path, or ":memory:" for an
// in-memory database).
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemoryDatabase is shorthand for WithDSN(":memory:").
func WithMemoryDatabase() Option {
	return func(c *config) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections. Ignored for
// ":memory:" databases, which are pinned to a single connection so every
// caller sees the same in-memory database.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithWALMode toggles write-ahead logging. Not applicable to ":memory:".
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// Store is a SQLite-backed ges.Backend and ges.SnapshotStore.
type Store struct {
	db *sql.DB
}

// New opens a SQLite-backed Store. Callers must call Initialize before use.
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, ges.NewIOError("open sqlite database", err)
	}

	if cfg.dsn == ":memory:" {
		// Each new connection to ":memory:" gets its own isolated database;
		// pin to a single connection so all callers share state.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		if cfg.walMode {
			if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
				db.Close()
				return nil, ges.NewIOError("set wal mode", err)
			}
		}
	}
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// Initialize creates the schema if it does not already exist.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return ges.NewStorageError("initialize schema", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveEvents appends a batch atomically, all-or-nothing (spec.md §4.1).
func (s *Store) SaveEvents(ctx context.Context, events []ges.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ges.NewStorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		var dataJSON sql.NullString
		var dataOpaque []byte
		switch e.Data.Kind {
		case ges.DataJSON:
			payload, err := json.Marshal(e.Data.JSON)
			if err != nil {
				return ges.NewInvalidEventDataError(fmt.Sprintf("encode json data: %v", err))
			}
			dataJSON = sql.NullString{String: string(payload), Valid: true}
		case ges.DataOpaque:
			dataOpaque = e.Data.Opaque
		}

		headers, err := json.Marshal(e.Metadata.Headers)
		if err != nil {
			return ges.NewSerializationError("encode metadata headers", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (
				id, aggregate_id, aggregate_type, event_type, event_version,
				aggregate_version, data_kind, data_json, data_opaque,
				causation_id, correlation_id, user_id, headers, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID.String(), e.AggregateID, e.AggregateType, e.EventType, e.EventVersion,
			e.AggregateVersion, int(e.Data.Kind), dataJSON, dataOpaque,
			e.Metadata.CausationID, e.Metadata.CorrelationID, e.Metadata.UserID, string(headers),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ges.NewOptimisticConcurrencyError(e.AggregateVersion, e.AggregateVersion-1)
			}
			return ges.NewStorageError("insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ges.NewStorageError("commit transaction", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// LoadEvents returns events for aggregateID with aggregate_version >
// fromVersion, ordered ascending.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]ges.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_version, aggregate_version,
		       data_kind, data_json, data_opaque, causation_id, correlation_id, user_id, headers, timestamp
		FROM events
		WHERE aggregate_id = ? AND aggregate_version > ?
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_version, aggregate_version,
		       data_kind, data_json, data_opaque, causation_id, correlation_id, user_id, headers, timestamp
		FROM events
		WHERE aggregate_type = ? AND aggregate_version > ?
		ORDER BY timestamp ASC, aggregate_id ASC, aggregate_version ASC
	`, aggregateType, fromVersion)
	if err != nil {
		return nil, ges.NewStorageError("query events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]ges.Event, error) {
	var out []ges.Event
	for rows.Next() {
		var e ges.Event
		var id string
		var kind int
		var dataJSON sql.NullString
		var dataOpaque []byte
		var headers string
		var timestamp string

		if err := rows.Scan(
			&id, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventVersion, &e.AggregateVersion,
			&kind, &dataJSON, &dataOpaque, &e.Metadata.CausationID, &e.Metadata.CorrelationID, &e.Metadata.UserID,
			&headers, &timestamp,
		); err != nil {
			return nil, ges.NewStorageError("scan event row", err)
		}

		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, ges.NewSerializationError("parse event id", err)
		}
		e.ID = parsedID

		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, ges.NewSerializationError("parse event timestamp", err)
		}
		e.Timestamp = ts

		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &e.Metadata.Headers); err != nil {
				return nil, ges.NewSerializationError("decode metadata headers", err)
			}
		}

		switch ges.DataKind(kind) {
		case ges.DataJSON:
			var v any
			if dataJSON.Valid {
				if err := json.Unmarshal([]byte(dataJSON.String), &v); err != nil {
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
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(aggregate_version) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, false, ges.NewStorageError("query aggregate version", err)
	}
	if !version.Valid {
		return 0, false, nil
	}
	return version.Int64, true, nil
}

// SaveSnapshot inserts a snapshot row for an aggregate/version pair.
func (s *Store) SaveSnapshot(ctx context.Context, snap ges.AggregateSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (
			snapshot_id, aggregate_id, aggregate_type, aggregate_version, state_data,
			compression, original_size, compressed_size, event_count, checksum, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.SnapshotID.String(), snap.AggregateID, snap.AggregateType, snap.AggregateVersion, snap.StateData,
		int(snap.Compression), snap.Metadata.OriginalSize, snap.Metadata.CompressedSize,
		snap.Metadata.EventCount, snap.Metadata.Checksum, snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ges.NewStorageError("insert snapshot", err)
	}
	return nil
}

// LoadLatestSnapshot returns the highest-version snapshot for an aggregate.
func (s *Store) LoadLatestSnapshot(ctx context.Context, aggregateID string) (ges.AggregateSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, aggregate_id, aggregate_type, aggregate_version, state_data,
		       compression, original_size, compressed_size, event_count, checksum, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY aggregate_version DESC
		LIMIT 1
	`, aggregateID)

	var snap ges.AggregateSnapshot
	var id string
	var compression int
	var createdAt string
	if err := row.Scan(
		&id, &snap.AggregateID, &snap.AggregateType, &snap.AggregateVersion, &snap.StateData,
		&compression, &snap.Metadata.OriginalSize, &snap.Metadata.CompressedSize,
		&snap.Metadata.EventCount, &snap.Metadata.Checksum, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ges.AggregateSnapshot{}, false, nil
		}
		return ges.AggregateSnapshot{}, false, ges.NewStorageError("scan snapshot row", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return ges.AggregateSnapshot{}, false, ges.NewSerializationError("parse snapshot id", err)
	}
	snap.SnapshotID = parsedID
	snap.Compression = ges.Compression(compression)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ges.AggregateSnapshot{}, false, ges.NewSerializationError("parse snapshot timestamp", err)
	}
	snap.CreatedAt = ts

	return snap, true, nil
}

// ExistsAtVersion reports whether a snapshot exists at exactly version.
func (s *Store) ExistsAtVersion(ctx context.Context, aggregateID string, version int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM snapshots WHERE aggregate_id = ? AND aggregate_version = ?)`,
		aggregateID, version,
	).Scan(&exists)
	if err != nil {
		return false, ges.NewStorageError("query snapshot existence", err)
	}
	return exists != 0, nil
}

// DeleteOlderThan removes snapshots created before cutoff, returning the
// count deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, ges.NewStorageError("delete old snapshots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ges.NewStorageError("read rows affected", err)
	}
	return n, nil
}

var _ ges.Backend = (*Store)(nil)
var _ ges.SnapshotStore = (*Store)(nil)
