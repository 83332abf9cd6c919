package ges

import (
	"time"

	"github.com/rs/zerolog"
)

// emitAudit writes one audit record for a tenant-scoped operation. It is
// invoked only when a tenant's IsolationPolicy.AuditAllOperations is set
// (spec.md §4.4); audit records are structured log lines, not a separate
// persisted stream, matching the teacher's reliance on zerolog fields rather
// than a bespoke audit schema.
func emitAudit(logger zerolog.Logger, operation, tenantID, aggregateID string, success bool, d time.Duration) {
	ev := logger.Info().
		Bool("audit", true).
		Int64("seq", nextAuditSeq()).
		Str("operation", operation).
		Str("tenant_id", tenantID).
		Bool("success", success).
		Dur("duration", d)
	if aggregateID != "" {
		ev = ev.Str("aggregate_id", aggregateID)
	}
	ev.Msg("tenant_audit")
}
