// Package protocol defines the WebSocket message types exchanged between the
// gateway and connected approval reviewers. All messages are JSON-encoded and
// wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "actiongate-reviewer-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Reviewer → Gateway
	MsgReviewerHello    MessageType = "reviewer.hello"
	MsgApprovalDecision MessageType = "approval.decision"
	MsgPong             MessageType = "reviewer.pong"

	// Gateway → Reviewer
	MsgWelcome           MessageType = "gateway.welcome"
	MsgApprovalRequested MessageType = "approval.requested"
	MsgApprovalResolved  MessageType = "approval.resolved"
	MsgDecisionAccepted  MessageType = "approval.accepted"
	MsgPing              MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Decision values carried by DecisionPayload.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type       MessageType     `json:"type"`
	ID         string          `json:"id"` // Message ID for correlation.
	ReviewerID string          `json:"reviewer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Reviewer → Gateway payloads ---

// HelloPayload is the first message a reviewer sends.
type HelloPayload struct {
	ReviewerID string `json:"reviewer_id"`
}

// DecisionPayload resolves a pending approval.
type DecisionPayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // "approve" or "deny"
	Reason     string `json:"reason,omitempty"`
}

// --- Gateway → Reviewer payloads ---

// Approval is the reviewer-facing view of a pending approval. Text fields
// are masked.
type Approval struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id,omitempty"`
	Description string         `json:"description"`
	Method      string         `json:"method"`
	Endpoint    string         `json:"endpoint"`
	Category    string         `json:"category"`
	RiskLevel   string         `json:"risk_level"`
	Params      map[string]any `json:"params,omitempty"`
	Status      string         `json:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// WelcomePayload confirms the hello and lists approvals already pending.
type WelcomePayload struct {
	ReviewerID string     `json:"reviewer_id"`
	Pending    []Approval `json:"pending"`
}

// AcceptedPayload confirms a reviewer's decision was recorded.
type AcceptedPayload struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
}

// ErrorPayload reports a rejected message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ApprovalID is set when the error concerns a decision.
	ApprovalID string `json:"approval_id,omitempty"`
}
