package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/actiongate/internal/approval"
)

// ApprovalRepository implements approval.ApprovalStore with GORM.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create persists a new pending approval.
func (r *ApprovalRepository) Create(ctx context.Context, pa *approval.PendingApproval) error {
	model := toApprovalModel(pa)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

// Get retrieves an approval by ID, marking it expired if past ExpiresAt.
func (r *ApprovalRepository) Get(ctx context.Context, id string) (*approval.PendingApproval, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}

	// Mark as expired on access if past TTL.
	if model.Status == int16(approval.StatusPending) && time.Now().UTC().After(model.ExpiresAt) {
		now := time.Now().UTC()
		r.db.WithContext(ctx).Model(&model).
			Where("status = ?", int16(approval.StatusPending)).
			Updates(map[string]any{"status": int16(approval.StatusExpired), "resolved_at": now})
		model.Status = int16(approval.StatusExpired)
		model.ResolvedAt = &now
	}

	return toApprovalDomain(&model), nil
}

// List returns approvals newest first.
func (r *ApprovalRepository) List(ctx context.Context, pendingOnly bool, limit int) ([]*approval.PendingApproval, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if pendingOnly {
		q = q.Where("status = ? AND expires_at >= ?", int16(approval.StatusPending), time.Now().UTC())
	}
	var models []ApprovalModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	out := make([]*approval.PendingApproval, len(models))
	for i := range models {
		out[i] = toApprovalDomain(&models[i])
	}
	return out, nil
}

// Resolve transitions a pending approval to Approved or Denied.
func (r *ApprovalRepository) Resolve(ctx context.Context, id string, status approval.Status, resolverID, reason string) error {
	expired := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ApprovalModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return approval.ErrNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if model.Status == int16(approval.StatusPending) && now.After(model.ExpiresAt) {
			if err := tx.Model(&model).Updates(map[string]any{
				"status":      int16(approval.StatusExpired),
				"resolved_at": now,
			}).Error; err != nil {
				return err
			}
			// Commit the expiry before reporting it.
			expired = true
			return nil
		}

		if model.Status != int16(approval.StatusPending) {
			return approval.ErrAlreadyResolved
		}

		// Conditional on status so a concurrent resolver loses cleanly.
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, int16(approval.StatusPending)).
			Updates(map[string]any{
				"status":      int16(status),
				"resolved_by": resolverID,
				"reason":      reason,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return approval.ErrAlreadyResolved
		}
		return nil
	})
	if err == nil && expired {
		return approval.ErrExpired
	}
	return err
}

// ExpireOld bulk-updates status to expired for all pending rows past expires_at.
func (r *ApprovalRepository) ExpireOld(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&ApprovalModel{}).
		Where("status = ? AND expires_at < ?", int16(approval.StatusPending), now).
		Updates(map[string]any{"status": int16(approval.StatusExpired), "resolved_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("expiring approvals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteResolved removes resolved/expired rows older than the given age.
func (r *ApprovalRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("status != ? AND created_at < ?", int16(approval.StatusPending), cutoff).
		Delete(&ApprovalModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting resolved approvals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ approval.ApprovalStore = (*ApprovalRepository)(nil)
