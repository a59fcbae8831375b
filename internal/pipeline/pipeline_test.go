package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/recovery"
	"github.com/jkaninda/actiongate/internal/security"
	"github.com/jkaninda/actiongate/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingInvoker records calls and answers from a scripted list of errors,
// succeeding once the list is exhausted.
type countingInvoker struct {
	calls   atomic.Int32
	failFor int32
	payload any
	mu      sync.Mutex
	last    tools.Request
	userID  string
}

func (c *countingInvoker) Invoke(ctx context.Context, req tools.Request) (*tools.Response, error) {
	n := c.calls.Add(1)
	c.mu.Lock()
	c.last = req
	c.userID = tools.UserIDFromContext(ctx)
	c.mu.Unlock()
	if n <= c.failFor {
		return nil, &tools.ToolError{Status: 502, Message: "upstream down for 0123456789"}
	}
	return &tools.Response{StatusCode: 200, Payload: c.payload}, nil
}

type auditRecorder struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (a *auditRecorder) Append(_ context.Context, e security.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditRecorder) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Event
	}
	return out
}

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]Run)}
}

func (m *memRunStore) Save(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = *r
	return nil
}

func (m *memRunStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &r, nil
}

func (m *memRunStore) List(_ context.Context, _ string, _ int) ([]*Run, error) {
	return nil, nil
}

func (m *memRunStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func newTestPipeline(t *testing.T, inv tools.Invoker, approver approval.Provider) *Pipeline {
	t.Helper()
	v, err := action.NewValidator(testLogger())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return New(filter.Default(), v, recovery.NewExecutor(inv, testLogger()), approver, testLogger())
}

// --- Happy path and masking ---

func TestRun_CompletesAndRestoresText(t *testing.T) {
	inv := &countingInvoker{payload: map[string]any{"account": "0123456789", "balance": float64(100)}}
	audit := &auditRecorder{}
	store := newMemRunStore()
	p := newTestPipeline(t, inv, nil).WithAuditor(audit).WithRunStore(store)

	text := "balance for 0123456789 please, reply to lan@example.com"
	out, err := p.Run(context.Background(), Input{
		UserID: "alice",
		Descriptor: map[string]any{
			"method":      "GET",
			"endpoint":    "/accounts/{id}/balance",
			"path_params": map[string]any{"id": "0123456789"},
			"category":    "customer",
		},
		Text: text,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("state = %s, message %q", out.State, out.Message)
	}
	if out.Text != text {
		t.Errorf("text not restored: %q", out.Text)
	}
	if !strings.Contains(out.Answer, "0123456789") {
		t.Errorf("answer not unmasked: %q", out.Answer)
	}
	if out.Handling != action.HandlingCustomer || out.Attempts != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if inv.last.PathParams["id"] != "0123456789" {
		t.Errorf("tool must receive raw params, got %v", inv.last.PathParams)
	}
	if inv.userID != "alice" {
		t.Errorf("user id not forwarded: %q", inv.userID)
	}

	// Everything at rest is masked.
	run, err := p.Get(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, s := range []string{run.Text, run.Answer} {
		if strings.Contains(s, "0123456789") || strings.Contains(s, "lan@example.com") {
			t.Errorf("run record holds raw data: %q", s)
		}
	}
	stored, err := store.Get(context.Background(), out.RunID)
	if err != nil || stored.State != StateCompleted || stored.CompletedAt.IsZero() {
		t.Errorf("stored run = %+v, %v", stored, err)
	}
	for _, e := range audit.events {
		if strings.Contains(e.Text, "0123456789") {
			t.Errorf("audit %s holds raw text", e.Event)
		}
	}

	want := []string{security.EventReceived, security.EventExecuting, security.EventCompleted}
	if got := audit.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit events = %v, want %v", got, want)
	}
}

// --- Validation ---

func TestRun_ValidationRejectsBeforeExecution(t *testing.T) {
	inv := &countingInvoker{}
	p := newTestPipeline(t, inv, nil)

	out, err := p.Run(context.Background(), Input{Descriptor: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateRejected || out.Reason != RejectValidation {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Validation == nil || out.Validation.Field != "method" {
		t.Errorf("validation = %+v", out.Validation)
	}
	if inv.calls.Load() != 0 {
		t.Errorf("tool calls = %d, want 0", inv.calls.Load())
	}
}

// --- Approval ---

func TestRun_HighRiskDeniedNeverCallsTool(t *testing.T) {
	inv := &countingInvoker{}
	audit := &auditRecorder{}
	p := newTestPipeline(t, inv, approval.Static(approval.Decision{Approved: false, ResolvedBy: "bob"})).
		WithAuditor(audit)

	out, err := p.Run(context.Background(), Input{Descriptor: map[string]any{
		"method":     "POST",
		"endpoint":   "/transfers",
		"risk_level": "high",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateRejected || out.Reason != RejectDenied {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Message != MessageDenied || out.ApprovedBy != "bob" {
		t.Errorf("message=%q resolved_by=%q", out.Message, out.ApprovedBy)
	}
	if inv.calls.Load() != 0 {
		t.Errorf("tool calls = %d, want 0", inv.calls.Load())
	}
	want := []string{security.EventReceived, security.EventApprovalRequested, security.EventDenied}
	if got := audit.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit events = %v, want %v", got, want)
	}
	denied := audit.events[len(audit.events)-1]
	if !strings.Contains(denied.Shown, "POST /transfers") || denied.DecidedAt.IsZero() {
		t.Errorf("denied event = %+v", denied)
	}
}

func TestRun_HighRiskApprovedExecutes(t *testing.T) {
	inv := &countingInvoker{payload: map[string]any{"ok": true}}
	var seen approval.Request
	decidedAt := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	approver := approval.ProviderFunc(func(_ context.Context, req approval.Request) (approval.Decision, error) {
		seen = req
		return approval.Decision{Approved: true, ResolvedBy: "bob", Shown: req.Description, DecidedAt: decidedAt}, nil
	})
	audit := &auditRecorder{}
	p := newTestPipeline(t, inv, approver).WithAuditor(audit)

	out, err := p.Run(context.Background(), Input{
		Descriptor: map[string]any{
			"method":      "POST",
			"endpoint":    "/transfers",
			"body_params": map[string]any{"to": "0123456789"},
			"risk_level":  "high",
		},
		Text: "send to 0123456789",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateCompleted || out.ApprovedBy != "bob" {
		t.Fatalf("outcome = %+v", out)
	}
	if inv.calls.Load() != 1 {
		t.Errorf("tool calls = %d, want 1", inv.calls.Load())
	}
	if strings.Contains(seen.Description, "0123456789") {
		t.Errorf("reviewer saw raw text: %q", seen.Description)
	}
	body, _ := seen.Params["body_params"].(map[string]any)
	if body["to"] == "0123456789" {
		t.Errorf("reviewer saw raw params: %v", seen.Params)
	}

	var approved *security.AuditEvent
	for i, e := range audit.events {
		if e.Event == security.EventApproved {
			approved = &audit.events[i]
		}
	}
	if approved == nil {
		t.Fatal("no approved audit event")
	}
	if !approved.DecidedAt.Equal(decidedAt) || approved.Shown != seen.Description || approved.ApprovedBy != "bob" {
		t.Errorf("approved event = %+v", approved)
	}
}

func TestRun_NoApproverRejectsRiskyAction(t *testing.T) {
	inv := &countingInvoker{}
	p := newTestPipeline(t, inv, nil)

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{
		"method": "DELETE", "endpoint": "/accounts/1", "risk_level": "critical",
	}})
	if out.State != StateRejected || out.Reason != RejectDenied {
		t.Fatalf("outcome = %+v", out)
	}
	if inv.calls.Load() != 0 {
		t.Errorf("tool calls = %d, want 0", inv.calls.Load())
	}
}

func TestRun_ApprovalErrorIsTreatedAsDenial(t *testing.T) {
	inv := &countingInvoker{}
	approver := approval.ProviderFunc(func(context.Context, approval.Request) (approval.Decision, error) {
		return approval.Decision{}, errors.New("store down")
	})
	p := newTestPipeline(t, inv, approver)

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{
		"method": "POST", "endpoint": "/transfers", "risk_level": "high",
	}})
	if out.State != StateRejected || inv.calls.Load() != 0 {
		t.Fatalf("outcome = %+v, calls = %d", out, inv.calls.Load())
	}
}

func TestRun_PolicyCategoryRequiresApproval(t *testing.T) {
	inv := &countingInvoker{}
	approvals := 0
	approver := approval.ProviderFunc(func(context.Context, approval.Request) (approval.Decision, error) {
		approvals++
		return approval.Decision{Approved: true, ResolvedBy: "bob"}, nil
	})
	policy := security.NewPolicyEnforcer(security.Policy{
		MinApprovalRisk:           security.RiskCritical,
		RequireApprovalCategories: []string{"authentication"},
	}, testLogger())
	p := newTestPipeline(t, inv, approver).WithPolicy(policy)

	_, _ = p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "POST", "category": "authentication"}})
	_, _ = p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "GET", "category": "general"}})
	if approvals != 1 {
		t.Errorf("approvals = %d, want 1", approvals)
	}
	if inv.calls.Load() != 2 {
		t.Errorf("tool calls = %d, want 2", inv.calls.Load())
	}
}

func TestRun_PolicyDeniedEndpoint(t *testing.T) {
	inv := &countingInvoker{}
	policy := security.NewPolicyEnforcer(security.Policy{
		MinApprovalRisk: security.RiskHigh,
		DeniedEndpoints: []string{"/admin"},
	}, testLogger())
	p := newTestPipeline(t, inv, nil).WithPolicy(policy)

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "GET", "endpoint": "/admin/users"}})
	if out.State != StateRejected || out.Reason != RejectPolicy || out.Message != MessageBlocked {
		t.Fatalf("outcome = %+v", out)
	}
	if inv.calls.Load() != 0 {
		t.Errorf("tool calls = %d, want 0", inv.calls.Load())
	}
}

// --- Recovery ---

func TestRun_RetriesThenSucceeds(t *testing.T) {
	inv := &countingInvoker{failFor: 2, payload: "done"}
	p := newTestPipeline(t, inv, nil)

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{
		"method": "GET", "endpoint": "/x", "retry_policy": `{"retries":2,"delay":0}`,
	}})
	if out.State != StateCompleted || out.Attempts != 3 || out.Answer != "done" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_ExhaustedRetriesUseFallbackMessage(t *testing.T) {
	inv := &countingInvoker{failFor: 100}
	store := newMemRunStore()
	p := newTestPipeline(t, inv, nil).WithRunStore(store)

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "GET", "endpoint": "/x"}})
	if out.State != StateFailed || out.Attempts != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Message != recovery.FallbackMessage {
		t.Errorf("message = %q", out.Message)
	}
	if out.Failure == nil || out.Failure.Kind != recovery.KindToolError {
		t.Errorf("failure = %+v", out.Failure)
	}
	stored, _ := store.Get(context.Background(), out.RunID)
	if strings.Contains(stored.Error, "0123456789") {
		t.Errorf("stored error holds raw data: %q", stored.Error)
	}
}

// --- Catalog ---

func TestRun_CatalogAction(t *testing.T) {
	inv := &countingInvoker{payload: map[string]any{}}
	p := newTestPipeline(t, inv, nil)
	c := action.NewCatalog(p.validator)
	if err := c.Register(action.Entry{Name: "get_balance", Method: "GET", Endpoint: "/accounts/{id}/balance", Category: "customer"}); err != nil {
		t.Fatal(err)
	}
	p.WithCatalog(c)

	out, _ := p.Run(context.Background(), Input{Action: "get_balance", Params: Params{Path: map[string]any{"id": "7"}}})
	if out.State != StateCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if inv.last.PathParams["id"] != "7" || inv.last.Endpoint != "/accounts/{id}/balance" {
		t.Errorf("request = %+v", inv.last)
	}

	out, _ = p.Run(context.Background(), Input{Action: "get_balance"})
	if out.State != StateRejected || out.Validation == nil || out.Validation.Field != "path_params.id" {
		t.Errorf("missing param outcome = %+v", out)
	}

	out, _ = p.Run(context.Background(), Input{Action: "nope"})
	if out.State != StateRejected || out.Validation == nil || out.Validation.Field != "action" {
		t.Errorf("unknown action outcome = %+v", out)
	}
}

// --- Concurrency and cancellation ---

func TestRunAsync_CancelDuringApproval(t *testing.T) {
	inv := &countingInvoker{}
	provider := approval.NewChannelProvider(1)
	audit := &auditRecorder{}
	p := newTestPipeline(t, inv, provider).WithAuditor(audit)

	id, err := p.RunAsync(context.Background(), Input{Descriptor: map[string]any{
		"method": "POST", "endpoint": "/transfers", "risk_level": "high",
	}})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-provider.Prompts():
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never requested")
	}
	run, _ := p.Get(context.Background(), id)
	if run.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", run.State)
	}

	if err := p.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := p.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.State != StateCancelled || out.Message != MessageCancelled {
		t.Errorf("outcome = %+v", out)
	}
	if inv.calls.Load() != 0 {
		t.Errorf("tool calls = %d, want 0", inv.calls.Load())
	}
	if err := p.Cancel(id); !errors.Is(err, ErrRunFinished) {
		t.Errorf("second cancel: expected ErrRunFinished, got %v", err)
	}
	if run, _ := p.Get(context.Background(), id); !strings.HasPrefix(run.Error, ErrCancelled.Error()) {
		t.Errorf("run error = %q", run.Error)
	}
	kinds := audit.kinds()
	if kinds[len(kinds)-1] != security.EventCancelled {
		t.Errorf("last audit event = %s", kinds[len(kinds)-1])
	}
}

func TestRun_PendingApprovalDoesNotBlockOtherRuns(t *testing.T) {
	inv := &countingInvoker{payload: "ok"}
	provider := approval.NewChannelProvider(1)
	p := newTestPipeline(t, inv, provider).WithOptions(Options{MaxConcurrentRuns: 4})

	id, err := p.RunAsync(context.Background(), Input{Descriptor: map[string]any{
		"method": "POST", "endpoint": "/transfers", "risk_level": "high",
	}})
	if err != nil {
		t.Fatal(err)
	}
	prompt := <-provider.Prompts()

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "GET", "endpoint": "/x"}})
		done <- out
	}()
	select {
	case out := <-done:
		if out.State != StateCompleted {
			t.Errorf("low risk run = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("low risk run blocked by pending approval")
	}

	prompt.Reply <- approval.Decision{Approved: true, ResolvedBy: "bob"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := p.Wait(ctx, id)
	if err != nil || out.State != StateCompleted {
		t.Fatalf("approved run = %+v, %v", out, err)
	}
}

func TestRun_TimeoutCancelsApprovalWait(t *testing.T) {
	inv := &countingInvoker{}
	provider := approval.NewChannelProvider(1)
	p := newTestPipeline(t, inv, provider).WithOptions(Options{RunTimeout: 50 * time.Millisecond})

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{
		"method": "POST", "endpoint": "/transfers", "risk_level": "high",
	}})
	if out.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", out.State)
	}
}

func TestGet_FallsBackToStore(t *testing.T) {
	store := newMemRunStore()
	_ = store.Save(context.Background(), &Run{ID: "old", State: StateCompleted})
	p := newTestPipeline(t, &countingInvoker{}, nil).WithRunStore(store)

	run, err := p.Get(context.Background(), "old")
	if err != nil || run.State != StateCompleted {
		t.Fatalf("Get = %+v, %v", run, err)
	}
	if _, err := p.Get(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if err := p.Cancel("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestPurgeFinished(t *testing.T) {
	store := newMemRunStore()
	p := newTestPipeline(t, &countingInvoker{payload: "ok"}, nil).
		WithRunStore(store).
		WithOptions(Options{Retention: time.Hour})

	out, _ := p.Run(context.Background(), Input{Descriptor: map[string]any{"method": "GET"}})

	p.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if err := p.PurgeFinished(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background(), out.RunID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected purged run, got %v", err)
	}
}

func TestClose_RejectsNewRuns(t *testing.T) {
	p := newTestPipeline(t, &countingInvoker{}, nil)
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), Input{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := p.RunAsync(context.Background(), Input{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// --- Metrics ---

func TestRun_RecordsMetrics(t *testing.T) {
	m := observability.NewMetricsCollector()
	p := newTestPipeline(t, &countingInvoker{payload: "ok"}, nil).WithMetrics(m)

	_, _ = p.Run(context.Background(), Input{
		Descriptor: map[string]any{"method": "GET", "category": "customer"},
		Text:       "mail lan@example.com",
	})
	_, _ = p.Run(context.Background(), Input{Descriptor: map[string]any{}})

	if v := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("customer", "completed")); v != 1 {
		t.Errorf("completed = %v", v)
	}
	if v := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("", "rejected")); v != 1 {
		t.Errorf("rejected = %v", v)
	}
	if v := testutil.ToFloat64(m.FilterDetectionsTotal.WithLabelValues("email")); v != 1 {
		t.Errorf("email detections = %v", v)
	}
	if v := testutil.ToFloat64(m.ActiveRuns); v != 0 {
		t.Errorf("active runs = %v", v)
	}
}
