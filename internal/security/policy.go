// Package security policy.go decides which actions may run at all and which
// must pass human approval first.
//
// Deny-first evaluation: DeniedX checked first; if match, deny.
// Then AllowedX checked; if non-empty and no match, deny.
// Empty AllowedX = allow all.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Subject is the part of an action the policy looks at.
type Subject struct {
	Method   string
	Endpoint string
	Category string
	Risk     RiskLevel
}

// Policy restricts which endpoints may be called and when approval is needed.
type Policy struct {
	// MinApprovalRisk is the lowest risk level that requires approval.
	MinApprovalRisk RiskLevel
	// RequireApprovalCategories always require approval, regardless of risk.
	RequireApprovalCategories []string
	// RequireApprovalEndpoints are endpoint prefixes that always require approval.
	RequireApprovalEndpoints []string

	AllowedEndpoints []string // Endpoint prefixes. Empty = all.
	DeniedEndpoints  []string // Endpoint prefixes.
	AllowedMethods   []string // Empty = all supported methods.
}

// DefaultPolicy requires approval for high and critical actions only.
func DefaultPolicy() Policy {
	return Policy{MinApprovalRisk: RiskHigh}
}

// PolicyEnforcer evaluates a read-only Policy. Safe for concurrent use.
type PolicyEnforcer struct {
	policy Policy
	logger *slog.Logger
}

// NewPolicyEnforcer creates an enforcer for the given policy.
func NewPolicyEnforcer(policy Policy, logger *slog.Logger) *PolicyEnforcer {
	return &PolicyEnforcer{policy: policy, logger: logger}
}

// CheckAllowed returns nil if the action may run under the policy.
func (e *PolicyEnforcer) CheckAllowed(ctx context.Context, s Subject) error {
	if err := checkPrefixAllowDeny(s.Endpoint, e.policy.AllowedEndpoints, e.policy.DeniedEndpoints, "endpoint"); err != nil {
		e.logger.WarnContext(ctx, "action blocked by policy",
			slog.String("endpoint", s.Endpoint),
			slog.String("method", s.Method),
		)
		return err
	}
	return checkAllowDeny(strings.ToUpper(s.Method), toUpper(e.policy.AllowedMethods), nil, "method")
}

// RequiresApproval reports whether the action must be confirmed by a human.
func (e *PolicyEnforcer) RequiresApproval(s Subject) bool {
	if s.Risk >= e.policy.MinApprovalRisk {
		return true
	}
	for _, c := range e.policy.RequireApprovalCategories {
		if c == s.Category {
			return true
		}
	}
	for _, p := range e.policy.RequireApprovalEndpoints {
		if strings.HasPrefix(s.Endpoint, p) {
			return true
		}
	}
	return false
}

// checkAllowDeny implements deny-first, then allow-list logic for exact matches.
func checkAllowDeny(value string, allowed, denied []string, label string) error {
	for _, d := range denied {
		if d == value {
			return fmt.Errorf("%w: %s %q is explicitly denied by policy", ErrActionDenied, label, value)
		}
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == value {
				return nil
			}
		}
		return fmt.Errorf("%w: %s %q is not in the policy allow list", ErrActionDenied, label, value)
	}
	return nil
}

// checkPrefixAllowDeny implements deny-first logic with prefix matching.
func checkPrefixAllowDeny(value string, allowed, denied []string, label string) error {
	for _, d := range denied {
		if strings.HasPrefix(value, d) {
			return fmt.Errorf("%w: %s %q matches denied prefix %q", ErrActionDenied, label, value, d)
		}
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.HasPrefix(value, a) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s %q does not match any allowed prefix", ErrActionDenied, label, value)
	}
	return nil
}

func toUpper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}
