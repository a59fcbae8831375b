package approval

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// AutoApprover tracks approval patterns and auto-approves repeated safe operations.
// When the same user+method+endpoint+params combination has been manually
// approved N times within a lookback window, subsequent identical requests
// are auto-approved.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // key → timestamps of manual approvals
	counters map[string]int         // userID → auto-approval count this hour
	hourSlot int64                  // current hour slot for counter reset
	config   AutoApprovalConfig
	logger   *slog.Logger
	now      func() time.Time
}

// AutoApprovalConfig controls auto-approval behavior.
type AutoApprovalConfig struct {
	MaxAutoApprovals  int      // Per user per hour. Default: 10.
	AllowedEndpoints  []string // Endpoint prefixes eligible for auto-approval.
	RequiredApprovals int      // Manual approvals needed before auto. Default: 3.
	WindowHours       int      // Lookback window in hours. Default: 24.
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.MaxAutoApprovals <= 0 {
		cfg.MaxAutoApprovals = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldAutoApprove checks if an identical request was manually approved
// enough times to warrant automatic approval.
func (a *AutoApprover) ShouldAutoApprove(req Request) (bool, string) {
	if !a.isEndpointAllowed(req.Endpoint) {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	currentHour := now.Unix() / 3600
	if currentHour != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = currentHour
	}
	if a.counters[req.UserID] >= a.config.MaxAutoApprovals {
		return false, ""
	}

	cutoff := now.Add(-time.Duration(a.config.WindowHours) * time.Hour)
	recent := 0
	for _, ts := range a.history[approvalKey(req)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.counters[req.UserID]++
	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
	a.logger.Info("auto-approving action",
		slog.String("user_id", req.UserID),
		slog.String("endpoint", req.Endpoint),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that a reviewer manually approved req.
func (a *AutoApprover) RecordManualApproval(req Request) {
	key := approvalKey(req)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-time.Duration(a.config.WindowHours) * time.Hour)
	entries := append(a.history[key], now)
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

// Wrap returns a Provider that auto-approves eligible requests and delegates
// the rest to next, learning from next's approvals.
func (a *AutoApprover) Wrap(next Provider) Provider {
	return ProviderFunc(func(ctx context.Context, req Request) (Decision, error) {
		if ok, reason := a.ShouldAutoApprove(req); ok {
			return Decision{Approved: true, ResolvedBy: "auto", Reason: reason, Shown: req.Description, DecidedAt: a.now()}, nil
		}
		d, err := next.RequestApproval(ctx, req)
		if err == nil && d.Approved {
			a.RecordManualApproval(req)
		}
		return d, err
	})
}

func (a *AutoApprover) isEndpointAllowed(endpoint string) bool {
	// Explicit allowlist required.
	for _, p := range a.config.AllowedEndpoints {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

func approvalKey(req Request) string {
	data, _ := json.Marshal(req.Params)
	h := sha256.Sum256(append([]byte(req.UserID+"|"+req.Method+"|"+req.Endpoint+"|"), data...))
	return fmt.Sprintf("%x", h[:16])
}
