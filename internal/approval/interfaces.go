package approval

import (
	"context"
	"time"
)

// Provider obtains a human decision for one action. RequestApproval blocks
// until a decision exists or ctx is done; it must not hold locks shared with
// other runs while waiting.
type Provider interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Decision, error)

// RequestApproval calls f.
func (f ProviderFunc) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// ApprovalStore is the persistence contract for approval records.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Denied
//   - Pending -> Expired
//
// Once Approved/Denied/Expired, status is immutable.
type ApprovalStore interface {
	// Create persists a new pending approval.
	Create(ctx context.Context, pa *PendingApproval) error
	// Get retrieves an approval by ID, marking it expired if past ExpiresAt.
	Get(ctx context.Context, id string) (*PendingApproval, error)
	// List returns approvals newest first. pendingOnly filters out resolved rows.
	List(ctx context.Context, pendingOnly bool, limit int) ([]*PendingApproval, error)
	// Resolve transitions a pending approval to Approved or Denied.
	Resolve(ctx context.Context, id string, status Status, resolverID, reason string) error
	// ExpireOld bulk-updates status to expired for all pending rows where expires_at < now.
	ExpireOld(ctx context.Context) (int64, error)
	// DeleteResolved removes resolved/expired rows older than the given age.
	DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Notifier is told about approval lifecycle changes, e.g. to push them to
// connected reviewers or an external webhook. Implementations must not block.
type Notifier interface {
	ApprovalRequested(ctx context.Context, pa *PendingApproval)
	ApprovalResolved(ctx context.Context, pa *PendingApproval)
}
