package ges

// Base is an embeddable helper to implement Aggregate boilerplate.
// Semantics:
//   - Apply(p): mutate state via applier and bump version by 1. Does NOT enqueue.
//   - Raise(p): Apply(p) + enqueue to pending (for newly produced payloads).
//   - Version(): current version INCLUDING pending.
//   - Flush(): returns pending and clears it; also returns
//     expectedVersion = currentVersion - len(pending_before).
type Base struct {
	id      string
	version int64
	pending []Payload
	applier func(Payload)
}

// Init sets the stream ID and the state mutation function (applier).
func (b *Base) Init(streamID string, applier func(Payload)) {
	b.id = streamID
	b.applier = applier
}

// StreamID returns the unique identifier for this aggregate's event stream.
func (b *Base) StreamID() string { return b.id }

// SetStreamID overrides the stream ID (e.g. when the first event assigns it).
func (b *Base) SetStreamID(streamID string) { b.id = streamID }

// SetApplier replaces the state mutation function.
func (b *Base) SetApplier(applier func(Payload)) { b.applier = applier }

// SetVersion forces the current version (used when restoring from a snapshot).
// It sets the internal counter; no pending events are affected.
func (b *Base) SetVersion(v int64) { b.version = v }

// Apply mutates state by a single payload and advances the version by 1.
// Typically used for event replay (rehydration) or confirming committed events.
func (b *Base) Apply(p Payload) {
	if b.applier != nil {
		b.applier(p)
	}
	b.version++
}

// Raise records a new domain payload: Apply(p) and enqueue it into the
// pending buffer. Call Flush to obtain and clear pending payloads for
// persistence.
func (b *Base) Raise(p Payload) {
	b.Apply(p)
	b.pending = append(b.pending, p)
}

// Flush returns all uncommitted payloads and clears the pending buffer.
// expectedVersion = currentVersion - len(pendingBeforeFlush)
func (b *Base) Flush() (payloads []Payload, expectedVersion int64) {
	payloads = b.pending
	expectedVersion = b.version - int64(len(payloads))
	b.pending = nil
	return
}

// Version returns the current aggregate version INCLUDING pending payloads.
func (b *Base) Version() int64 { return b.version }
