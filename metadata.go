package ges

import "context"

// Metadata carries contextual information that accompanies an event:
// causation/correlation ids, the acting user, and free-form headers.
type Metadata struct {
	CausationID   string
	CorrelationID string
	UserID        string
	Headers       map[string]string
}

// Merge returns a new Metadata that combines the receiver with the given
// metadata, with later values taking precedence over earlier ones for scalar
// fields and header keys. Safe to call on a zero-value receiver. The receiver
// is not modified.
func (m Metadata) Merge(other Metadata) Metadata {
	out := Metadata{
		CausationID:   m.CausationID,
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Headers:       make(map[string]string, len(m.Headers)+len(other.Headers)),
	}
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	if other.CausationID != "" {
		out.CausationID = other.CausationID
	}
	if other.CorrelationID != "" {
		out.CorrelationID = other.CorrelationID
	}
	if other.UserID != "" {
		out.UserID = other.UserID
	}
	for k, v := range other.Headers {
		out.Headers[k] = v
	}
	return out
}

// MetadataExtractor builds Metadata from a context. Applications can supply
// their own extractor that knows about private context keys (tenant_id,
// trace_id, etc.).
type MetadataExtractor func(ctx context.Context) Metadata
