// Package security implements risk classification, approval policy and the
// append-only audit trail for action execution.
package security

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrActionDenied = errors.New("action denied by policy")
)

// RiskLevel classifies the danger of an action.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // Money movement or account changes, requires approval.
	RiskCritical                  // Destructive operations, always requires approval.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// An empty string is RiskLow. Unrecognized values default to RiskCritical.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	*r = ParseRiskLevel(string(text))
	return nil
}

// Audit event kinds.
const (
	EventReceived          = "received"
	EventRejected          = "rejected"
	EventApprovalRequested = "approval_requested"
	EventApproved          = "approved"
	EventDenied            = "denied"
	EventExecuting         = "executing"
	EventCompleted         = "completed"
	EventFailed            = "failed"
	EventCancelled         = "cancelled"
)

// AuditEvent is a single entry in the append-only audit log.
// Text fields only ever carry masked content.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id,omitempty"`
	Event      string    `json:"event"`
	Method     string    `json:"method,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Category   string    `json:"category,omitempty"`
	RiskLevel  string    `json:"risk_level,omitempty"`
	Text       string    `json:"text,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Error      string    `json:"error,omitempty"`
	// Set on approval decisions: what the reviewer saw and when they answered.
	Shown     string    `json:"shown,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// Auditor records audit events.
type Auditor interface {
	Append(ctx context.Context, event AuditEvent) error
}

// MultiAuditor fans an event out to several sinks. Every sink is attempted;
// the first error is returned.
type MultiAuditor []Auditor

// Append writes the event to every sink.
func (m MultiAuditor) Append(ctx context.Context, event AuditEvent) error {
	var first error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Append(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
