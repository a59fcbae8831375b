package postgres

import (
	"context"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"github.com/jkaninda/actiongate/internal/security"
)

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns the events of one run in insertion order. With an empty
// runID it returns the latest events across all runs, still oldest first.
// Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, runID string, limit int) ([]security.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []AuditEventModel
	q := r.db.WithContext(ctx).Limit(limit)
	if runID != "" {
		q = q.Where("run_id = ?", runID).Order("id ASC")
	} else {
		q = q.Order("id DESC")
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	if runID == "" {
		slices.Reverse(models)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ security.AuditStore = (*AuditRepository)(nil)
