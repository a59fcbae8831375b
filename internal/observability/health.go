package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultHealthCheckTimeout = 3 * time.Second

// Readiness states reported by CheckReady.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"    // an optional dependency failed
	StatusUnavailable = "unavailable" // a required dependency failed
)

// HealthChecker runs dependency checks for the readiness endpoint. Required
// checks (the store) make the instance unavailable when they fail; optional
// ones (the tool backend, anomaly state) only degrade it, since approvals and
// run lookups keep working without them.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether every required check passed.
func (s HealthStatus) Ready() bool {
	return s.Status != StatusUnavailable
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Required  bool   `json:"required"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{timeout: defaultHealthCheckTimeout, logger: logger}
}

// WithTimeout sets the per-check deadline.
func (h *HealthChecker) WithTimeout(d time.Duration) *HealthChecker {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// AddCheck registers an optional check. Checks may be added while serving.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

// AddRequiredCheck registers a check whose failure makes the instance unavailable.
func (h *HealthChecker) AddRequiredCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Required: true, Check: check})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs all registered checks concurrently, each under its own
// deadline, and aggregates them.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name] = r
		if r.Status == "ok" {
			continue
		}
		if c.Required {
			status.Status = StatusUnavailable
		} else if status.Status == StatusOK {
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.Bool("required", c.Required),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	r := CheckResult{Status: "ok", Required: c.Required, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Status = "fail"
		r.Message = err.Error()
	}
	return r
}
