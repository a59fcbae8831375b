package approval

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process memory. Used by the one-shot CLI
// and in tests; servers use the database-backed store.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*PendingApproval),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a copy of pa.
func (s *MemoryStore) Create(_ context.Context, pa *PendingApproval) error {
	s.mu.Lock()
	s.pending[pa.ID] = clonePending(pa)
	s.mu.Unlock()
	return nil
}

// Get retrieves an approval by ID. A pending approval past its TTL is
// marked expired on access.
func (s *MemoryStore) Get(_ context.Context, id string) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if pa.Status == StatusPending && s.now().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
		pa.ResolvedAt = s.now()
	}
	return clonePending(pa), nil
}

// List returns approvals newest first.
func (s *MemoryStore) List(_ context.Context, pendingOnly bool, limit int) ([]*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*PendingApproval, 0, len(s.pending))
	for _, pa := range s.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
			pa.ResolvedAt = now
		}
		if pendingOnly && pa.Status != StatusPending {
			continue
		}
		out = append(out, clonePending(pa))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Resolve transitions a pending approval to status.
func (s *MemoryStore) Resolve(_ context.Context, id string, status Status, resolverID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	if pa.Status == StatusPending && s.now().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
		pa.ResolvedAt = s.now()
	}
	if pa.Status == StatusExpired {
		return ErrExpired
	}
	if pa.Status != StatusPending {
		return ErrAlreadyResolved
	}

	pa.Status = status
	pa.ResolvedBy = resolverID
	pa.Reason = reason
	pa.ResolvedAt = s.now()
	return nil
}

// ExpireOld marks every overdue pending approval as expired.
func (s *MemoryStore) ExpireOld(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, pa := range s.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
			pa.ResolvedAt = now
			n++
		}
	}
	return n, nil
}

// DeleteResolved removes non-pending approvals resolved before now-olderThan.
func (s *MemoryStore) DeleteResolved(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for id, pa := range s.pending {
		if pa.Status != StatusPending && pa.ResolvedAt.Before(cutoff) {
			delete(s.pending, id)
			n++
		}
	}
	return n, nil
}

func clonePending(pa *PendingApproval) *PendingApproval {
	cp := *pa
	cp.Params = maps.Clone(pa.Params)
	return &cp
}

var _ ApprovalStore = (*MemoryStore)(nil)
