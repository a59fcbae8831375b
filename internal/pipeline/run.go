package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/recovery"
)

var (
	// ErrRunNotFound is returned when no run exists for an ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned by Cancel for a run that is no longer in flight.
	ErrRunFinished = errors.New("run already finished")
	// ErrClosed is returned once the pipeline stops accepting runs.
	ErrClosed = errors.New("pipeline closed")
	// ErrCancelled is recorded on runs that end in StateCancelled.
	ErrCancelled = errors.New("run cancelled")
)

// State is the position of a run in the pipeline state machine.
type State string

const (
	StateReceived         State = "received"
	StateValidated        State = "validated"
	StateRouted           State = "routed"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateFailed, StateCancelled:
		return true
	}
	return false
}

// RejectReason tells why a run was rejected.
type RejectReason string

const (
	RejectValidation RejectReason = "validation"
	RejectPolicy     RejectReason = "policy"
	RejectDenied     RejectReason = "approval_denied"
)

// Input is what an upstream caller submits. Either Descriptor or Action is set.
type Input struct {
	UserID string `json:"user_id,omitempty"`
	// Descriptor is a raw, unvalidated action descriptor.
	Descriptor map[string]any `json:"descriptor,omitempty"`
	// Action names a catalog entry; Params fill its parameter maps.
	Action string `json:"action,omitempty"`
	Params Params `json:"params,omitzero"`
	// Text is free text accompanying the action, e.g. the user's message.
	Text string `json:"text,omitempty"`
}

// Params overlays a catalog template's parameter maps.
type Params struct {
	Path  map[string]any `json:"path_params,omitempty"`
	Query map[string]any `json:"query_params,omitempty"`
	Body  map[string]any `json:"body_params,omitempty"`
}

// Run is the persisted record of one pipeline execution. It only ever holds
// masked text.
type Run struct {
	ID          string                  `json:"id"`
	UserID      string                  `json:"user_id,omitempty"`
	State       State                   `json:"state"`
	Action      string                  `json:"action,omitempty"`
	Method      string                  `json:"method,omitempty"`
	Endpoint    string                  `json:"endpoint,omitempty"`
	Category    string                  `json:"category,omitempty"`
	Handling    action.HandlingCategory `json:"handling,omitempty"`
	RiskLevel   string                  `json:"risk_level,omitempty"`
	Text        string                  `json:"text,omitempty"`
	Answer      string                  `json:"answer,omitempty"`
	Attempts    int                     `json:"attempts"`
	Reason      RejectReason            `json:"reason,omitempty"`
	Error       string                  `json:"error,omitempty"`
	ApprovedBy  string                  `json:"approved_by,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	CompletedAt time.Time               `json:"completed_at,omitzero"`
}

// Outcome is returned to the caller that submitted a run. Payload and Text
// are unmasked.
type Outcome struct {
	RunID    string                  `json:"run_id"`
	State    State                   `json:"state"`
	Handling action.HandlingCategory `json:"handling,omitempty"`
	// Payload is the tool's structured response on success.
	Payload any `json:"payload,omitempty"`
	// Text is the caller's text, restored from its masked form.
	Text string `json:"text,omitempty"`
	// Answer is the tool payload rendered as text.
	Answer   string       `json:"answer,omitempty"`
	Attempts int          `json:"attempts"`
	Reason   RejectReason `json:"reason,omitempty"`
	// Message is user-facing. For failures it is always recovery.FallbackMessage.
	Message    string                  `json:"message,omitempty"`
	Validation *action.ValidationError `json:"validation,omitempty"`
	Failure    *recovery.Failure       `json:"failure,omitempty"`
	ApprovedBy string                  `json:"approved_by,omitempty"`
	// Mapping is the masking table of this run. It is never serialized.
	Mapping *filter.Mapping `json:"-"`
}

// RunStore persists run records.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, userID string, limit int) ([]*Run, error)
	// DeleteFinishedBefore removes terminal runs completed before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
