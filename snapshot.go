package ges

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
)

// Compression identifies the algorithm a snapshot's state_data was stored
// with. decompress dispatches on the value recorded on the snapshot itself,
// never on the service's current config (spec.md §4.3).
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// SnapshotMetadata carries the bookkeeping fields alongside a snapshot's
// compressed state.
type SnapshotMetadata struct {
	OriginalSize   int
	CompressedSize int
	EventCount     int
	Checksum       string // SHA-256 hex over the compressed bytes
}

// AggregateSnapshot is a persisted, compressed, checksum-verified materialized
// state for an aggregate at a specific version. Unique on
// (AggregateID, AggregateVersion).
type AggregateSnapshot struct {
	SnapshotID       uuid.UUID
	AggregateID      string
	AggregateType    string
	AggregateVersion int64
	StateData        []byte // compressed
	Compression      Compression
	Metadata         SnapshotMetadata
	CreatedAt        time.Time
}

// SnapshotStore is the persistence contract for snapshots (C5's storage
// half). Implementations live under stores/{mem,sqlite,pgx}.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap AggregateSnapshot) error
	LoadLatestSnapshot(ctx context.Context, aggregateID string) (AggregateSnapshot, bool, error)
	ExistsAtVersion(ctx context.Context, aggregateID string, version int64) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotConfig controls the snapshot service's behavior.
type SnapshotConfig struct {
	Frequency      int64         // snapshot every N versions; default 100
	MaxSnapshotAge time.Duration // default 1 week
	Compression    Compression   // default CompressionGzip
	AutoCleanup    bool          // default true
}

// DefaultSnapshotConfig returns the spec-mandated defaults (spec.md §4.3).
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Frequency:      100,
		MaxSnapshotAge: 7 * 24 * time.Hour,
		Compression:    CompressionGzip,
		AutoCleanup:    true,
	}
}

// SnapshotService implements the decision policy, compression, and integrity
// verification around a SnapshotStore (C5).
type SnapshotService struct {
	store  SnapshotStore
	config SnapshotConfig
	logger zerolog.Logger
}

// NewSnapshotService constructs a service over the given store. A zero
// SnapshotConfig is replaced with DefaultSnapshotConfig.
func NewSnapshotService(store SnapshotStore, config SnapshotConfig, logger zerolog.Logger) *SnapshotService {
	if config.Frequency == 0 {
		config = DefaultSnapshotConfig()
	}
	return &SnapshotService{store: store, config: config, logger: logger}
}

// CreateSnapshot compresses stateData per config, computes a SHA-256
// checksum over the compressed bytes, persists the snapshot, and returns it.
func (s *SnapshotService) CreateSnapshot(
	ctx context.Context,
	aggregateID, aggregateType string,
	aggregateVersion int64,
	stateData []byte,
	eventCount int,
) (AggregateSnapshot, error) {
	compressed, err := compress(s.config.Compression, stateData)
	if err != nil {
		return AggregateSnapshot{}, NewIOError("compress snapshot state", err)
	}

	sum := sha256.Sum256(compressed)
	snap := AggregateSnapshot{
		SnapshotID:       uuid.New(),
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		AggregateVersion: aggregateVersion,
		StateData:        compressed,
		Compression:      s.config.Compression,
		Metadata: SnapshotMetadata{
			OriginalSize:   len(stateData),
			CompressedSize: len(compressed),
			EventCount:     eventCount,
			Checksum:       hex.EncodeToString(sum[:]),
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return AggregateSnapshot{}, err
	}
	return snap, nil
}

// LoadLatestSnapshot returns the highest-version snapshot for an aggregate,
// or ok=false if none exists.
func (s *SnapshotService) LoadLatestSnapshot(ctx context.Context, aggregateID string) (AggregateSnapshot, bool, error) {
	return s.store.LoadLatestSnapshot(ctx, aggregateID)
}

// Decompress inverts the compression recorded on the snapshot itself,
// regardless of the service's current config.
func (s *SnapshotService) Decompress(snap AggregateSnapshot) ([]byte, error) {
	out, err := decompress(snap.Compression, snap.StateData)
	if err != nil {
		return nil, NewIOError("decompress snapshot state", err)
	}
	return out, nil
}

// ShouldTakeSnapshot returns true iff currentVersion % frequency == 0 and no
// snapshot already exists at exactly that version.
func (s *SnapshotService) ShouldTakeSnapshot(ctx context.Context, aggregateID string, currentVersion int64) (bool, error) {
	freq := s.config.Frequency
	if freq <= 0 {
		freq = DefaultSnapshotConfig().Frequency
	}
	if currentVersion%freq != 0 {
		return false, nil
	}
	exists, err := s.store.ExistsAtVersion(ctx, aggregateID, currentVersion)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// CleanupOldSnapshots deletes snapshots older than MaxSnapshotAge when
// AutoCleanup is enabled, returning the count deleted. A failure is logged
// and 0 is returned; it never fails the caller. No count of failures is kept.
func (s *SnapshotService) CleanupOldSnapshots(ctx context.Context) int64 {
	if !s.config.AutoCleanup {
		return 0
	}
	cutoff := time.Now().UTC().Add(-s.config.MaxSnapshotAge)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup_old_snapshots failed")
		return 0
	}
	s.logger.Debug().Int64("deleted", n).Msg("cleanup_old_snapshots")
	return n
}

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, NewConfigurationError("unknown compression mode")
	}
}

func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, NewConfigurationError("unknown compression mode")
	}
}
