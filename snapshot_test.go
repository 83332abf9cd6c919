package ges_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ges "github.com/mickamy/go-event-sourcing"
)

type fakeSnapshotStore struct {
	mu   sync.Mutex
	byID map[string][]ges.AggregateSnapshot
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{byID: make(map[string][]ges.AggregateSnapshot)}
}

func (f *fakeSnapshotStore) SaveSnapshot(_ context.Context, snap ges.AggregateSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[snap.AggregateID] = append(f.byID[snap.AggregateID], snap)
	return nil
}

func (f *fakeSnapshotStore) LoadLatestSnapshot(_ context.Context, aggregateID string) (ges.AggregateSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.byID[aggregateID]
	if len(seq) == 0 {
		return ges.AggregateSnapshot{}, false, nil
	}
	return seq[len(seq)-1], true, nil
}

func (f *fakeSnapshotStore) ExistsAtVersion(_ context.Context, aggregateID string, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.byID[aggregateID] {
		if snap.AggregateVersion == version {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSnapshotStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, seq := range f.byID {
		kept := seq[:0:0]
		for _, snap := range seq {
			if snap.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, snap)
		}
		f.byID[id] = kept
	}
	return deleted, nil
}

func TestSnapshotService_CompressionRoundTrip(t *testing.T) {
	modes := []ges.Compression{ges.CompressionNone, ges.CompressionGzip, ges.CompressionLZ4}

	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			store := newFakeSnapshotStore()
			cfg := ges.DefaultSnapshotConfig()
			cfg.Compression = mode
			svc := ges.NewSnapshotService(store, cfg, discardLogger())

			original := bytes.Repeat([]byte("a"), 10_000)
			snap, err := svc.CreateSnapshot(context.Background(), "u1", "User", 100, original, 100)
			require.NoError(t, err)

			sum := sha256.Sum256(snap.StateData)
			assert.Equal(t, hex.EncodeToString(sum[:]), snap.Metadata.Checksum)

			decompressed, err := svc.Decompress(snap)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)

			if mode != ges.CompressionNone {
				assert.Less(t, snap.Metadata.CompressedSize, snap.Metadata.OriginalSize)
			}
		})
	}
}

func TestSnapshotService_ShouldTakeSnapshot(t *testing.T) {
	store := newFakeSnapshotStore()
	cfg := ges.DefaultSnapshotConfig()
	cfg.Frequency = 100
	svc := ges.NewSnapshotService(store, cfg, discardLogger())

	should, err := svc.ShouldTakeSnapshot(context.Background(), "u1", 99)
	require.NoError(t, err)
	assert.False(t, should)

	should, err = svc.ShouldTakeSnapshot(context.Background(), "u1", 100)
	require.NoError(t, err)
	assert.True(t, should)

	_, err = svc.CreateSnapshot(context.Background(), "u1", "User", 100, []byte("state"), 100)
	require.NoError(t, err)

	should, err = svc.ShouldTakeSnapshot(context.Background(), "u1", 100)
	require.NoError(t, err)
	assert.False(t, should)
}

func TestSnapshotService_DecompressUsesSnapshotCompressionNotServiceConfig(t *testing.T) {
	store := newFakeSnapshotStore()
	cfg := ges.DefaultSnapshotConfig()
	cfg.Compression = ges.CompressionGzip
	svc := ges.NewSnapshotService(store, cfg, discardLogger())

	original := []byte("some state bytes")
	snap, err := svc.CreateSnapshot(context.Background(), "u1", "User", 1, original, 1)
	require.NoError(t, err)

	// Switch the service's config after the snapshot was created.
	svc2 := ges.NewSnapshotService(store, ges.SnapshotConfig{
		Frequency:   100,
		Compression: ges.CompressionLZ4,
	}, discardLogger())

	decompressed, err := svc2.Decompress(snap)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}
