package ges

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is a semantic alias of `any` for a domain event payload — the
// application-defined type an Aggregate folds and a codec (de)serializes,
// as distinct from the persisted Event envelope around it.
type Payload = any

// DataKind discriminates how an Event's payload is carried.
type DataKind int

const (
	// DataJSON marks a structured payload that round-trips through
	// encoding/json without loss.
	DataJSON DataKind = iota
	// DataOpaque marks an opaque byte payload (e.g. protobuf) the core never
	// interprets.
	DataOpaque
)

func (k DataKind) String() string {
	switch k {
	case DataJSON:
		return "json"
	case DataOpaque:
		return "protobuf"
	default:
		return "unknown"
	}
}

// EventData is the `{ Json(...) | Opaque(...) }` variant from the data model.
// Exactly one of JSON or Opaque is meaningful, selected by Kind; the two are
// never silently converted into one another (I4).
type EventData struct {
	Kind   DataKind
	JSON   any
	Opaque []byte
}

// JSONData wraps a structured value as a JSON-kind payload.
func JSONData(v any) EventData {
	return EventData{Kind: DataJSON, JSON: v}
}

// OpaqueData wraps raw bytes as an opaque-kind payload.
func OpaqueData(b []byte) EventData {
	return EventData{Kind: DataOpaque, Opaque: b}
}

// Event is an immutable, persisted domain event as defined by the data model.
// Once stored, the core never mutates or deletes an Event (I3).
type Event struct {
	ID               uuid.UUID
	AggregateID      string
	AggregateType    string
	EventType        string
	EventVersion     int32
	AggregateVersion int64
	Data             EventData
	Metadata         Metadata
	Timestamp        time.Time
}

// EventTypeName returns the canonical name for a domain payload.
// If the payload implements `EventType() string`, that value is used;
// otherwise it falls back to the Go type name (e.g. "account.AccountOpened"),
// matching the teacher's EventType() helper.
func EventTypeName(e any) string {
	if named, ok := e.(interface{ EventType() string }); ok {
		return named.EventType()
	}
	return fmt.Sprintf("%T", e)
}
