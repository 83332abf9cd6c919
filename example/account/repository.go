package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	ges "github.com/mickamy/go-event-sourcing"
)

// codecRegistry maps each domain event type to its codec, used to encode
// outgoing payloads and decode persisted Opaque data back into concrete
// types on replay.
var codecRegistry = map[string]ges.EventCodec{
	"AccountOpened":  ges.JSONCodec[AccountOpened](),
	"MoneyDeposited": ges.JSONCodec[MoneyDeposited](),
	"MoneyWithdrawn": ges.JSONCodec[MoneyWithdrawn](),
}

// AccountRepository loads and saves Account aggregates using an EventStore,
// with opportunistic snapshotting via SnapshotService.
type AccountRepository struct {
	store     ges.EventStore
	snapshots *ges.SnapshotService
}

// NewAccountRepository creates a repository backed by the given store. A nil
// snapshots service disables snapshot read/write.
func NewAccountRepository(store ges.EventStore, snapshots *ges.SnapshotService) *AccountRepository {
	return &AccountRepository{store: store, snapshots: snapshots}
}

// Load fetches and rehydrates an Account by its ID: snapshot first, then
// replays events strictly after the snapshot's version.
func (r *AccountRepository) Load(ctx context.Context, id string) (*Account, error) {
	a := NewAccount(id)

	fromVersion := int64(0)
	if r.snapshots != nil {
		if snap, ok, err := r.snapshots.LoadLatestSnapshot(ctx, id); err != nil {
			return nil, err
		} else if ok {
			raw, err := r.snapshots.Decompress(snap)
			if err != nil {
				return nil, err
			}
			state, err := deserializeState(raw)
			if err != nil {
				return nil, ges.NewSerializationError("decode account snapshot state", err)
			}
			a.restoreFromState(state)
			fromVersion = snap.AggregateVersion
		}
	}

	events, err := r.store.LoadEvents(ctx, id, fromVersion)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		payload, err := decodePayload(e)
		if err != nil {
			return nil, err
		}
		a.Apply(payload)
	}

	return a, nil
}

// Save persists the aggregate's pending events with optimistic locking, then
// opportunistically takes a snapshot when the snapshot policy says to.
func (r *AccountRepository) Save(ctx context.Context, a *Account, md ges.Metadata) error {
	payloads, expectedVersion := a.Flush()
	if len(payloads) == 0 {
		return nil
	}

	accountID := accountIDFromStreamID(a.StreamID())
	events := make([]ges.Event, len(payloads))
	now := time.Now().UTC()
	for i, p := range payloads {
		eventType := ges.EventTypeName(p)
		codec, ok := codecRegistry[eventType]
		if !ok {
			return ges.NewConfigurationError("no codec registered for event type " + eventType)
		}
		encoded, err := codec.Encode(p)
		if err != nil {
			return ges.NewSerializationError("encode "+eventType, err)
		}
		events[i] = ges.Event{
			ID:               uuid.New(),
			AggregateID:      accountID,
			AggregateType:    "Account",
			EventType:        eventType,
			EventVersion:     1,
			AggregateVersion: expectedVersion + int64(i) + 1,
			Data:             ges.OpaqueData(encoded),
			Metadata:         md,
			Timestamp:        now,
		}
	}

	if err := r.store.SaveEvents(ctx, events); err != nil {
		return err
	}

	if r.snapshots != nil {
		if should, err := r.snapshots.ShouldTakeSnapshot(ctx, accountID, a.Version()); err == nil && should {
			state, err := serializeState(a)
			if err == nil {
				_, _ = r.snapshots.CreateSnapshot(ctx, accountID, "Account", a.Version(), state, int(a.Version()))
			}
		}
	}

	return nil
}

func decodePayload(e ges.Event) (ges.Payload, error) {
	codec, ok := codecRegistry[e.EventType]
	if !ok {
		return nil, ges.NewConfigurationError("no codec registered for event type " + e.EventType)
	}
	if e.Data.Kind != ges.DataOpaque {
		return nil, ges.NewInvalidEventDataError("expected opaque data for event type " + e.EventType)
	}
	return codec.Decode(e.Data.Opaque)
}
