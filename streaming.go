package ges

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStreamerCapacity is the default bounded-buffer capacity per
// subscription (spec.md §4.2: "default 1000").
const DefaultStreamerCapacity = 1000

// ErrLagged is returned by Receiver.Recv when the subscriber fell behind the
// buffer capacity and events were evicted. The subscriber may resume from the
// current head; position tracking is the subscriber's own responsibility
// (spec.md §4.2 Delivery semantics).
var ErrLagged = errors.New("ges: subscriber lagged, events were evicted")

// Subscription describes what a subscriber wants delivered. A zero value for
// a filter field means "no filter on that dimension"; multiple set filters
// combine conjunctively.
type Subscription struct {
	ID                  string
	AggregateTypeFilter string
	EventTypeFilter     string
	FromTimestamp       time.Time
}

func (s Subscription) matches(e Event) bool {
	if s.AggregateTypeFilter != "" && e.AggregateType != s.AggregateTypeFilter {
		return false
	}
	if s.EventTypeFilter != "" && e.EventType != s.EventTypeFilter {
		return false
	}
	if !s.FromTimestamp.IsZero() && e.Timestamp.Before(s.FromTimestamp) {
		return false
	}
	return true
}

// SubscriptionBuilder provides ergonomic construction of a Subscription,
// ported from the original source's fluent builder (eventuali-core's
// `SubscriptionBuilder`) and dropped from spec.md's condensed contract list.
type SubscriptionBuilder struct {
	sub Subscription
}

// NewSubscriptionBuilder starts a builder with a generated subscription id.
func NewSubscriptionBuilder() *SubscriptionBuilder {
	return &SubscriptionBuilder{sub: Subscription{ID: uuid.NewString()}}
}

func (b *SubscriptionBuilder) WithID(id string) *SubscriptionBuilder {
	b.sub.ID = id
	return b
}

func (b *SubscriptionBuilder) FilterByAggregateType(aggregateType string) *SubscriptionBuilder {
	b.sub.AggregateTypeFilter = aggregateType
	return b
}

func (b *SubscriptionBuilder) FilterByEventType(eventType string) *SubscriptionBuilder {
	b.sub.EventTypeFilter = eventType
	return b
}

func (b *SubscriptionBuilder) FromTimestamp(t time.Time) *SubscriptionBuilder {
	b.sub.FromTimestamp = t
	return b
}

func (b *SubscriptionBuilder) Build() Subscription {
	return b.sub
}

// StreamEvent is the in-flight envelope delivered to subscribers. It is not
// persisted by the core.
type StreamEvent struct {
	Event          Event
	StreamPosition int64
	GlobalPosition int64
}

// Receiver is the single-consumer delivery endpoint returned by Subscribe.
type Receiver struct {
	id       string
	cap      int
	unsub    func()
	mu       sync.Mutex
	buf      []StreamEvent
	lagged   bool
	closed   bool
	signal   chan struct{}
	closedCh chan struct{}
}

func newReceiver(id string, capacity int, unsub func()) *Receiver {
	return &Receiver{
		id:       id,
		cap:      capacity,
		unsub:    unsub,
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (r *Receiver) push(ev StreamEvent) {
	r.mu.Lock()
	if len(r.buf) >= r.cap {
		// Evict the oldest queued event under pressure (§4.2 bounded ring).
		r.buf = r.buf[1:]
		r.lagged = true
	}
	r.buf = append(r.buf, ev)
	r.mu.Unlock()
	r.notify()
}

func (r *Receiver) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Receiver) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.closedCh)
}

// Recv blocks until the next StreamEvent, a Lagged signal, context
// cancellation, or subscription closure (io.EOF). On ErrLagged the caller
// should resume from the current head — the next Recv call returns the
// oldest still-queued event.
func (r *Receiver) Recv(ctx context.Context) (StreamEvent, error) {
	for {
		r.mu.Lock()
		if r.lagged {
			r.lagged = false
			r.mu.Unlock()
			return StreamEvent{}, ErrLagged
		}
		if len(r.buf) > 0 {
			ev := r.buf[0]
			r.buf = r.buf[1:]
			r.mu.Unlock()
			return ev, nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return StreamEvent{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return StreamEvent{}, ctx.Err()
		case <-r.signal:
		case <-r.closedCh:
		}
	}
}

// Close ends this subscription's registration; any already-queued events may
// still be drained via Recv before it returns io.EOF (spec.md §4.2
// unsubscribe semantics). Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	r.closeLocked()
	r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
	}
}

// Streamer is the in-process publish/subscribe fan-out (C4): bounded buffer
// per subscriber, filter evaluation, and position tracking. It holds no
// reference back to the Store that publishes into it (§9 Design Notes).
type Streamer struct {
	capacity int

	mu              sync.Mutex
	subs            map[string]*Receiver
	filters         map[string]Subscription
	streamPositions map[string]int64
	globalPosition  int64
}

// NewStreamer creates a Streamer with the given per-subscription buffer
// capacity (capacity<=0 uses DefaultStreamerCapacity).
func NewStreamer(capacity int) *Streamer {
	if capacity <= 0 {
		capacity = DefaultStreamerCapacity
	}
	return &Streamer{
		capacity:        capacity,
		subs:            make(map[string]*Receiver),
		filters:         make(map[string]Subscription),
		streamPositions: make(map[string]int64),
	}
}

// Subscribe registers the subscription and returns its delivery endpoint.
func (s *Streamer) Subscribe(sub Subscription) *Receiver {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newReceiver(sub.ID, s.capacity, func() { s.Unsubscribe(sub.ID) })
	s.subs[sub.ID] = r
	s.filters[sub.ID] = sub
	return r
}

// Unsubscribe drops the subscription's registration. New events are not
// enqueued for this id afterward; a held Receiver can still drain whatever
// was already queued.
func (s *Streamer) Unsubscribe(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.filters, subscriptionID)
	if r, ok := s.subs[subscriptionID]; ok {
		r.mu.Lock()
		r.closeLocked()
		r.mu.Unlock()
		delete(s.subs, subscriptionID)
	}
}

// PublishEvent updates positions and enqueues a StreamEvent for every
// matching subscription. A publish with no subscribers is a success.
func (s *Streamer) PublishEvent(e Event, streamPosition, globalPosition int64) error {
	s.mu.Lock()
	s.streamPositions[e.AggregateID] = streamPosition
	s.globalPosition = globalPosition

	se := StreamEvent{Event: e, StreamPosition: streamPosition, GlobalPosition: globalPosition}
	var targets []*Receiver
	for id, sub := range s.filters {
		if sub.matches(e) {
			if r, ok := s.subs[id]; ok {
				targets = append(targets, r)
			}
		}
	}
	s.mu.Unlock()

	for _, r := range targets {
		r.push(se)
	}
	return nil
}

// GetStreamPosition returns the last published stream position for an
// aggregate, or ok=false if none has been published.
func (s *Streamer) GetStreamPosition(aggregateID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.streamPositions[aggregateID]
	return p, ok
}

// GetGlobalPosition returns the last published global position.
func (s *Streamer) GetGlobalPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalPosition
}

// Projection is the receiver contract for an external read-model projection
// handler (§9 Design Notes: "the core defines the receiver contract... but
// does not own handler loops"). Ported from the original source's
// `Projection` trait; the core carries no implementation.
type Projection interface {
	HandleEvent(ctx context.Context, e Event) error
	Reset(ctx context.Context) error
	GetLastProcessedPosition(ctx context.Context) (int64, bool, error)
	SetLastProcessedPosition(ctx context.Context, position int64) error
}

// SagaHandler is the receiver contract for an external saga/workflow handler,
// ported from the original source's `SagaHandler` trait for the same reason.
type SagaHandler interface {
	HandleEvent(ctx context.Context, e Event) error
}
