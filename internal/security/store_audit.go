package security

import (
	"context"
	"log/slog"
	"time"
)

// StoreAuditor adapts an AuditStore to the Auditor interface.
type StoreAuditor struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditor creates a database-backed auditor.
func NewStoreAuditor(store AuditStore, logger *slog.Logger) *StoreAuditor {
	return &StoreAuditor{
		store:  store,
		logger: logger,
	}
}

// Append writes the audit event to the store.
func (a *StoreAuditor) Append(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to store audit event",
			slog.String("event", event.Event),
			slog.String("run_id", event.RunID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
