package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/actiongate/internal/action"
)

// CatalogRepository implements action.CatalogStore with GORM.
type CatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a CatalogRepository.
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Save upserts a catalog entry by name.
func (r *CatalogRepository) Save(ctx context.Context, e action.Entry) error {
	model := toActionModel(e)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"method", "endpoint", "category", "retry_policy", "risk_level", "headers", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving action %s: %w", e.Name, err)
	}
	return nil
}

// List returns all entries ordered by name.
func (r *CatalogRepository) List(ctx context.Context) ([]action.Entry, error) {
	var models []ActionModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	out := make([]action.Entry, len(models))
	for i := range models {
		out[i] = toEntryDomain(&models[i])
	}
	return out, nil
}

var _ action.CatalogStore = (*CatalogRepository)(nil)
