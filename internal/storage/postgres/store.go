package postgres

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/actiongate/internal/security"
	"github.com/jkaninda/actiongate/internal/storage"
)

// Repositories lazily creates the sub-store repositories over one GORM
// handle. The SQLite store embeds it too, since both dialects share the models.
type Repositories struct {
	db *gorm.DB

	mu        sync.Mutex
	approvals approval.ApprovalStore
	audit     security.AuditStore
	runs      pipeline.RunStore
	catalog   action.CatalogStore
}

// NewRepositories wraps db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{db: db}
}

func (r *Repositories) Approvals() approval.ApprovalStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approvals == nil {
		r.approvals = NewApprovalRepository(r.db)
	}
	return r.approvals
}

func (r *Repositories) Audit() security.AuditStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audit == nil {
		r.audit = NewAuditRepository(r.db)
	}
	return r.audit
}

func (r *Repositories) Runs() pipeline.RunStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = NewRunRepository(r.db)
	}
	return r.runs
}

func (r *Repositories) Catalog() action.CatalogStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		r.catalog = NewCatalogRepository(r.db)
	}
	return r.catalog
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		Repositories: NewRepositories(pgDB.GormDB()),
		pgDB:         pgDB,
	}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

var _ storage.Store = (*Store)(nil)
