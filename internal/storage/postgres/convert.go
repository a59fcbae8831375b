package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/actiongate/internal/security"
)

// --- Approval ---

func toApprovalModel(pa *approval.PendingApproval) ApprovalModel {
	return ApprovalModel{
		ID:          pa.ID,
		RunID:       pa.RunID,
		UserID:      pa.UserID,
		Description: pa.Description,
		Method:      pa.Method,
		Endpoint:    pa.Endpoint,
		Category:    pa.Category,
		RiskLevel:   pa.RiskLevel,
		Params:      marshalJSONB(pa.Params),
		Status:      int16(pa.Status),
		ResolvedBy:  pa.ResolvedBy,
		Reason:      pa.Reason,
		CreatedAt:   pa.CreatedAt,
		ExpiresAt:   pa.ExpiresAt,
		ResolvedAt:  timePtr(pa.ResolvedAt),
	}
}

func toApprovalDomain(m *ApprovalModel) *approval.PendingApproval {
	var params map[string]any
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	pa := &approval.PendingApproval{
		ID:          m.ID,
		RunID:       m.RunID,
		UserID:      m.UserID,
		Description: m.Description,
		Method:      m.Method,
		Endpoint:    m.Endpoint,
		Category:    m.Category,
		RiskLevel:   m.RiskLevel,
		Params:      params,
		Status:      approval.Status(m.Status),
		ResolvedBy:  m.ResolvedBy,
		Reason:      m.Reason,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
	if m.ResolvedAt != nil {
		pa.ResolvedAt = *m.ResolvedAt
	}
	return pa
}

// --- Audit ---

func toAuditModel(event security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		RunID:      event.RunID,
		UserID:     event.UserID,
		Event:      event.Event,
		Method:     event.Method,
		Endpoint:   event.Endpoint,
		Category:   event.Category,
		RiskLevel:  event.RiskLevel,
		Text:       event.Text,
		Attempts:   event.Attempts,
		ApprovedBy: event.ApprovedBy,
		Error:      event.Error,
		Shown:      event.Shown,
		DecidedAt:  timePtr(event.DecidedAt),
		CreatedAt:  event.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:  m.CreatedAt,
		RunID:      m.RunID,
		UserID:     m.UserID,
		Event:      m.Event,
		Method:     m.Method,
		Endpoint:   m.Endpoint,
		Category:   m.Category,
		RiskLevel:  m.RiskLevel,
		Text:       m.Text,
		Attempts:   m.Attempts,
		ApprovedBy: m.ApprovedBy,
		Error:      m.Error,
		Shown:      m.Shown,
		DecidedAt:  derefTime(m.DecidedAt),
	}
}

// --- Run ---

func toRunModel(r *pipeline.Run) ActionRunModel {
	return ActionRunModel{
		ID:          r.ID,
		UserID:      r.UserID,
		State:       string(r.State),
		Action:      r.Action,
		Method:      r.Method,
		Endpoint:    r.Endpoint,
		Category:    r.Category,
		Handling:    string(r.Handling),
		RiskLevel:   r.RiskLevel,
		Text:        r.Text,
		Answer:      r.Answer,
		Attempts:    r.Attempts,
		Reason:      string(r.Reason),
		Error:       r.Error,
		ApprovedBy:  r.ApprovedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: timePtr(r.CompletedAt),
	}
}

func toRunDomain(m *ActionRunModel) *pipeline.Run {
	r := &pipeline.Run{
		ID:         m.ID,
		UserID:     m.UserID,
		State:      pipeline.State(m.State),
		Action:     m.Action,
		Method:     m.Method,
		Endpoint:   m.Endpoint,
		Category:   m.Category,
		Handling:   action.HandlingCategory(m.Handling),
		RiskLevel:  m.RiskLevel,
		Text:       m.Text,
		Answer:     m.Answer,
		Attempts:   m.Attempts,
		Reason:     pipeline.RejectReason(m.Reason),
		Error:      m.Error,
		ApprovedBy: m.ApprovedBy,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.CompletedAt != nil {
		r.CompletedAt = *m.CompletedAt
	}
	return r
}

// --- Catalog ---

func toActionModel(e action.Entry) ActionModel {
	return ActionModel{
		Name:        e.Name,
		Method:      e.Method,
		Endpoint:    e.Endpoint,
		Category:    e.Category,
		RetryPolicy: retryPolicyJSONB(e.RetryPolicy),
		RiskLevel:   e.RiskLevel,
		Headers:     marshalJSONB(e.Headers),
	}
}

func toEntryDomain(m *ActionModel) action.Entry {
	e := action.Entry{
		Name:      m.Name,
		Method:    m.Method,
		Endpoint:  m.Endpoint,
		Category:  m.Category,
		RiskLevel: m.RiskLevel,
	}
	// The retry policy is handed back as its JSON text; action.ParseRetryPolicy
	// accepts that form.
	if len(m.RetryPolicy) > 0 && string(m.RetryPolicy) != "{}" && string(m.RetryPolicy) != "null" {
		e.RetryPolicy = string(m.RetryPolicy)
	}
	if len(m.Headers) > 0 {
		_ = json.Unmarshal(m.Headers, &e.Headers)
	}
	return e
}

// retryPolicyJSONB stores a policy given as JSON text verbatim rather than as
// a quoted string.
func retryPolicyJSONB(v any) JSONB {
	if s, ok := v.(string); ok {
		if s == "" {
			return JSONB("{}")
		}
		if json.Valid([]byte(s)) {
			return JSONB(s)
		}
	}
	return marshalJSONB(v)
}

func marshalJSONB(v any) JSONB {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return JSONB("{}")
	}
	return JSONB(data)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
