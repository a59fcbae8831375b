package security

import "context"

// AuditStore is an append-only store for audit events.
// No update or delete methods. Immutability is enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
	// Query returns events for one run, oldest first. An empty runID returns
	// the most recent events across all runs.
	Query(ctx context.Context, runID string, limit int) ([]AuditEvent, error)
}
