package ges

import (
	"encoding/json"
	"fmt"
)

// EventCodec defines how a domain payload is encoded/decoded for persistence
// behind an EventData.Opaque slot. The backends store EventData as given and
// never call a codec; the application maps event types to codecs itself (see
// codecRegistry in example/account).
type EventCodec interface {
	Encode(v Payload) ([]byte, error)
	Decode(b []byte) (Payload, error)
}

// JSONCodec is a generic implementation of EventCodec for JSON-based encoding.
func JSONCodec[T any]() EventCodec {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v Payload) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(b []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("ges: failed to decode json: %w", err)
	}
	return v, nil
}
