// Package approval implements the human approval gate for risky actions:
// the Provider contract, a store-backed Manager that reviewers resolve from
// any gateway, and console, channel and auto-approving providers.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/actiongate/internal/observability"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrDenied          = errors.New("action denied by reviewer")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "approved":
		return StatusApproved
	case "denied":
		return StatusDenied
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Request describes the action awaiting a decision. Every text field carries
// masked content only.
type Request struct {
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id,omitempty"`
	Description string         `json:"description"`
	Method      string         `json:"method"`
	Endpoint    string         `json:"endpoint"`
	Category    string         `json:"category"`
	RiskLevel   string         `json:"risk_level"`
	Params      map[string]any `json:"params,omitempty"`
}

// Decision is a reviewer's answer. Approved false is terminal for the action.
// Shown is the masked content the reviewer saw.
type Decision struct {
	Approved   bool      `json:"approved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Shown      string    `json:"shown,omitempty"`
	DecidedAt  time.Time `json:"decided_at,omitzero"`
}

// Err returns ErrDenied for a negative decision and nil otherwise.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return ErrDenied
}

// PendingApproval is a persisted approval request.
type PendingApproval struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id,omitempty"`
	Description string         `json:"description"`
	Method      string         `json:"method"`
	Endpoint    string         `json:"endpoint"`
	Category    string         `json:"category"`
	RiskLevel   string         `json:"risk_level"`
	Params      map[string]any `json:"params,omitempty"`
	Status      Status         `json:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  time.Time      `json:"resolved_at,omitzero"`
}

// Decision converts a resolved approval into a Decision. Expiry is a denial.
func (pa *PendingApproval) Decision() Decision {
	d := Decision{ResolvedBy: pa.ResolvedBy, Reason: pa.Reason, Shown: pa.Description, DecidedAt: pa.ResolvedAt}
	switch pa.Status {
	case StatusApproved:
		d.Approved = true
	case StatusExpired:
		d.ResolvedBy, d.Reason = "system", "approval expired"
		if d.DecidedAt.IsZero() {
			d.DecidedAt = pa.ExpiresAt
		}
	}
	return d
}

const defaultPollInterval = time.Second

// Manager persists approval requests and blocks requesters until a reviewer
// resolves them through Approve or Deny, from this process or another one
// sharing the store. It implements Provider.
type Manager struct {
	store        ApprovalStore
	ttl          time.Duration
	pollInterval time.Duration
	notifiers    []Notifier
	metrics      *observability.MetricsCollector
	logger       *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewManager creates an approval manager with the given default TTL.
func NewManager(store ApprovalStore, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:        store,
		ttl:          ttl,
		pollInterval: defaultPollInterval,
		logger:       logger,
		waiters:      make(map[string]chan struct{}),
	}
}

// WithNotifier registers a lifecycle listener.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifiers = append(m.notifiers, n)
	return m
}

// WithMetrics enables decision and pending counters.
func (m *Manager) WithMetrics(metrics *observability.MetricsCollector) *Manager {
	m.metrics = metrics
	return m
}

// WithPollInterval sets how often waiters re-read the store to catch
// resolutions made by other processes.
func (m *Manager) WithPollInterval(d time.Duration) *Manager {
	if d > 0 {
		m.pollInterval = d
	}
	return m
}

// TTL returns how long approvals stay pending.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create stores a new pending approval and notifies listeners.
func (m *Manager) Create(ctx context.Context, req Request) (*PendingApproval, error) {
	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:          uuid.NewString(),
		RunID:       req.RunID,
		UserID:      req.UserID,
		Description: req.Description,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Category:    req.Category,
		RiskLevel:   req.RiskLevel,
		Params:      req.Params,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, pa); err != nil {
		return nil, fmt.Errorf("creating approval: %w", err)
	}

	m.logger.InfoContext(ctx, "approval created",
		slog.String("approval_id", pa.ID),
		slog.String("run_id", pa.RunID),
		slog.String("user_id", pa.UserID),
		slog.String("endpoint", pa.Endpoint),
		slog.String("risk", pa.RiskLevel),
	)
	if m.metrics != nil {
		m.metrics.PendingApprovals.Inc()
	}
	for _, n := range m.notifiers {
		n.ApprovalRequested(ctx, pa)
	}
	return pa, nil
}

// Get retrieves an approval by ID.
func (m *Manager) Get(ctx context.Context, id string) (*PendingApproval, error) {
	return m.store.Get(ctx, id)
}

// List returns approvals newest first.
func (m *Manager) List(ctx context.Context, pendingOnly bool, limit int) ([]*PendingApproval, error) {
	return m.store.List(ctx, pendingOnly, limit)
}

// Approve marks a pending approval as approved by the given approver.
func (m *Manager) Approve(ctx context.Context, id, approverID string) error {
	return m.resolve(ctx, id, StatusApproved, approverID, "")
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(ctx context.Context, id, denierID, reason string) error {
	return m.resolve(ctx, id, StatusDenied, denierID, reason)
}

func (m *Manager) resolve(ctx context.Context, id string, status Status, resolverID, reason string) error {
	if err := m.store.Resolve(ctx, id, status, resolverID, reason); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
	)
	m.signal(id)

	if len(m.notifiers) > 0 {
		if pa, err := m.store.Get(ctx, id); err == nil {
			for _, n := range m.notifiers {
				n.ApprovalResolved(ctx, pa)
			}
		}
	}
	return nil
}

// RequestApproval creates a pending approval and blocks until it is
// resolved, expires, or ctx is done. Expiry yields a denial.
func (m *Manager) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	pa, err := m.Create(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	wake := m.register(pa.ID)
	defer m.unregister(pa.ID)
	if m.metrics != nil {
		defer m.metrics.PendingApprovals.Dec()
	}

	expiry := time.NewTimer(time.Until(pa.ExpiresAt))
	defer expiry.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-wake:
		case <-poll.C:
		case <-expiry.C:
		}

		// Use a fresh context so a resolution racing with cancellation is still read.
		current, err := m.store.Get(context.WithoutCancel(ctx), pa.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("reading approval %s: %w", pa.ID, err)
		}
		if current.Status == StatusPending {
			continue
		}
		d := current.Decision()
		m.record(current.Status)
		if current.Status == StatusExpired {
			m.logger.WarnContext(ctx, "approval expired",
				slog.String("approval_id", pa.ID),
				slog.String("run_id", pa.RunID),
			)
			for _, n := range m.notifiers {
				n.ApprovalResolved(ctx, current)
			}
		}
		return d, nil
	}
}

// Sweep expires overdue approvals and deletes resolved ones older than retain.
func (m *Manager) Sweep(ctx context.Context, retain time.Duration) error {
	expired, err := m.store.ExpireOld(ctx)
	if err != nil {
		return fmt.Errorf("expiring approvals: %w", err)
	}
	deleted, err := m.store.DeleteResolved(ctx, retain)
	if err != nil {
		return fmt.Errorf("deleting resolved approvals: %w", err)
	}
	if expired > 0 || deleted > 0 {
		m.logger.InfoContext(ctx, "approval sweep",
			slog.Int64("expired", expired),
			slog.Int64("deleted", deleted),
		)
	}
	return nil
}

func (m *Manager) record(status Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.ApprovalsTotal.WithLabelValues(status.String()).Inc()
}

func (m *Manager) register(id string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[id] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
}

func (m *Manager) signal(id string) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ Provider = (*Manager)(nil)
