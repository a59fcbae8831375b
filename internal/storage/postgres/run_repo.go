package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/actiongate/internal/pipeline"
)

// RunRepository implements pipeline.RunStore with GORM.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts or updates a run record.
func (r *RunRepository) Save(ctx context.Context, run *pipeline.Run) error {
	model := toRunModel(run)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	var model ActionRunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipeline.ErrRunNotFound
		}
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return toRunDomain(&model), nil
}

// List returns runs newest first, optionally for a single user.
func (r *RunRepository) List(ctx context.Context, userID string, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var models []ActionRunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]*pipeline.Run, len(models))
	for i := range models {
		out[i] = toRunDomain(&models[i])
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal runs completed before cutoff.
func (r *RunRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff.UTC()).
		Delete(&ActionRunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting finished runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ pipeline.RunStore = (*RunRepository)(nil)
