package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures lifecycle notifications.
type recorder struct {
	requested chan *PendingApproval
	mu        sync.Mutex
	resolved  []*PendingApproval
}

func newRecorder() *recorder {
	return &recorder{requested: make(chan *PendingApproval, 8)}
}

func (r *recorder) ApprovalRequested(_ context.Context, pa *PendingApproval) { r.requested <- pa }
func (r *recorder) ApprovalResolved(_ context.Context, pa *PendingApproval) {
	r.mu.Lock()
	r.resolved = append(r.resolved, pa)
	r.mu.Unlock()
}

func testRequest() Request {
	return Request{
		RunID:       "run-1",
		UserID:      "u-1",
		Description: "POST /transfers (payments, risk high)",
		Method:      "POST",
		Endpoint:    "/transfers",
		Category:    "payments",
		RiskLevel:   "high",
		Params:      map[string]any{"to": "<ACCOUNT_NUMBER_1>"},
	}
}

type outcome struct {
	d   Decision
	err error
}

func requestAsync(ctx context.Context, p Provider, req Request) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		d, err := p.RequestApproval(ctx, req)
		ch <- outcome{d, err}
	}()
	return ch
}

// syncBuffer is a goroutine-safe prompt sink.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) prompts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.b.String(), "Approve? (y/N)")
}

func waitForPrompts(t *testing.T, out *syncBuffer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for out.prompts() < n {
		if time.Now().After(deadline) {
			t.Fatalf("prompts = %d, want %d", out.prompts(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return")
		return outcome{}
	}
}

// --- Manager ---

func TestManager_ApproveUnblocksRequester(t *testing.T) {
	rec := newRecorder()
	m := NewManager(NewMemoryStore(), time.Minute, testLogger()).WithNotifier(rec)

	res := requestAsync(context.Background(), m, testRequest())
	pa := <-rec.requested
	if pa.Status != StatusPending || pa.RunID != "run-1" {
		t.Fatalf("pending = %+v", pa)
	}
	if err := m.Approve(context.Background(), pa.ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case o := <-res:
		if o.err != nil || !o.d.Approved || o.d.ResolvedBy != "alice" {
			t.Errorf("outcome = %+v", o)
		}
		if o.d.Shown != testRequest().Description {
			t.Errorf("shown = %q", o.d.Shown)
		}
		if o.d.DecidedAt.IsZero() {
			t.Error("decision time not recorded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requester not woken by Approve")
	}
}

func TestManager_DenyIsTerminal(t *testing.T) {
	rec := newRecorder()
	m := NewManager(NewMemoryStore(), time.Minute, testLogger()).WithNotifier(rec)

	res := requestAsync(context.Background(), m, testRequest())
	pa := <-rec.requested
	if err := m.Deny(context.Background(), pa.ID, "bob", "too risky"); err != nil {
		t.Fatal(err)
	}
	o := <-res
	if o.err != nil || o.d.Approved {
		t.Fatalf("outcome = %+v", o)
	}
	if !errors.Is(o.d.Err(), ErrDenied) {
		t.Errorf("Err() = %v", o.d.Err())
	}
	if err := m.Approve(context.Background(), pa.ID, "alice"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve = %v, want ErrAlreadyResolved", err)
	}
}

func TestManager_ExpiryIsDenial(t *testing.T) {
	rec := newRecorder()
	m := NewManager(NewMemoryStore(), 50*time.Millisecond, testLogger()).WithNotifier(rec)

	d, err := m.RequestApproval(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if d.Approved || d.Reason != "approval expired" {
		t.Errorf("decision = %+v", d)
	}
	pa := <-rec.requested
	if err := m.Approve(context.Background(), pa.ID, "late"); !errors.Is(err, ErrExpired) {
		t.Errorf("late approve = %v, want ErrExpired", err)
	}
}

func TestManager_Cancelled(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	res := requestAsync(ctx, m, testRequest())
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case o := <-res:
		if !errors.Is(o.err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the requester")
	}
}

func TestManager_ResolvedByAnotherProcess(t *testing.T) {
	store := NewMemoryStore()
	rec := newRecorder()
	waiting := NewManager(store, time.Minute, testLogger()).WithNotifier(rec).WithPollInterval(10 * time.Millisecond)
	other := NewManager(store, time.Minute, testLogger())

	res := requestAsync(context.Background(), waiting, testRequest())
	pa := <-rec.requested
	if err := other.Approve(context.Background(), pa.ID, "cli"); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-res:
		if !o.d.Approved {
			t.Errorf("outcome = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not observe external resolution")
	}
}

func TestManager_UnknownID(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute, testLogger())
	if err := m.Approve(context.Background(), "nope", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// --- MemoryStore ---

func TestMemoryStore_ListAndSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Create(ctx, &PendingApproval{ID: "old", Status: StatusPending, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	_ = store.Create(ctx, &PendingApproval{ID: "live", Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	pending, _ := store.List(ctx, true, 0)
	if len(pending) != 1 || pending[0].ID != "live" {
		t.Fatalf("pending = %v", pending)
	}

	m := NewManager(store, time.Hour, testLogger())
	now = now.Add(48 * time.Hour)
	if err := m.Sweep(ctx, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	all, _ := store.List(ctx, false, 0)
	for _, pa := range all {
		if pa.ID == "old" {
			t.Error("old expired approval should have been purged")
		}
	}
}

// --- ConsoleProvider ---

func TestConsoleProvider(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"sure\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out strings.Builder
			p := NewConsoleProvider(strings.NewReader(tt.input), &out, "")
			d, err := p.RequestApproval(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("RequestApproval: %v", err)
			}
			if d.Approved != tt.want {
				t.Errorf("approved = %v, want %v", d.Approved, tt.want)
			}
			if !strings.Contains(out.String(), "POST /transfers") {
				t.Errorf("prompt missing description: %q", out.String())
			}
		})
	}
}

func TestConsoleProvider_DecisionRecordsPrompt(t *testing.T) {
	before := time.Now()
	d, err := NewConsoleProvider(strings.NewReader("n\n"), io.Discard, "ops").
		RequestApproval(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved || d.ResolvedBy != "ops" {
		t.Errorf("decision = %+v", d)
	}
	if !strings.Contains(d.Shown, "POST /transfers") || !strings.Contains(d.Shown, "high risk") {
		t.Errorf("shown = %q", d.Shown)
	}
	if d.DecidedAt.Before(before) {
		t.Errorf("decided at %v, before request", d.DecidedAt)
	}
}

func TestConsoleProvider_QueuedRequestHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	p := NewConsoleProvider(pr, out, "ops")

	first := requestAsync(context.Background(), p, testRequest())
	waitForPrompts(t, out, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if o := await(t, requestAsync(ctx, p, testRequest())); !errors.Is(o.err, context.DeadlineExceeded) {
		t.Errorf("queued request err = %v, want deadline exceeded", o.err)
	}
	if n := out.prompts(); n != 1 {
		t.Errorf("prompts = %d, queued request must not prompt", n)
	}

	if _, err := io.WriteString(pw, "y\n"); err != nil {
		t.Fatal(err)
	}
	if o := await(t, first); o.err != nil || !o.d.Approved {
		t.Errorf("first = %+v", o)
	}
}

func TestConsoleProvider_CancelledPromptKeepsNextAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	p := NewConsoleProvider(pr, out, "ops")

	ctx, cancel := context.WithCancel(context.Background())
	first := requestAsync(ctx, p, testRequest())
	waitForPrompts(t, out, 1)
	cancel()
	if o := await(t, first); !errors.Is(o.err, context.Canceled) {
		t.Fatalf("first err = %v", o.err)
	}

	second := requestAsync(context.Background(), p, testRequest())
	waitForPrompts(t, out, 2)
	if _, err := io.WriteString(pw, "y\n"); err != nil {
		t.Fatal(err)
	}
	if o := await(t, second); o.err != nil || !o.d.Approved {
		t.Errorf("second = %+v", o)
	}
}

func TestConsoleProvider_EndOfInputDeniesLaterPrompts(t *testing.T) {
	p := NewConsoleProvider(strings.NewReader("y\n"), io.Discard, "")
	if d, _ := p.RequestApproval(context.Background(), testRequest()); !d.Approved {
		t.Fatal("first answer should approve")
	}
	d, err := p.RequestApproval(context.Background(), testRequest())
	if err != nil || d.Approved {
		t.Errorf("after EOF: %+v, %v", d, err)
	}
}

// --- Decision ---

func TestPendingApproval_Decision(t *testing.T) {
	resolved := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := resolved.Add(time.Hour)
	tests := []struct {
		name     string
		pa       PendingApproval
		approved bool
		by       string
		at       time.Time
	}{
		{"approved", PendingApproval{Status: StatusApproved, ResolvedBy: "alice", ResolvedAt: resolved}, true, "alice", resolved},
		{"denied", PendingApproval{Status: StatusDenied, ResolvedBy: "bob", ResolvedAt: resolved}, false, "bob", resolved},
		{"expired", PendingApproval{Status: StatusExpired, ExpiresAt: expires}, false, "system", expires},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pa.Description = "GET /x"
			d := tt.pa.Decision()
			if d.Approved != tt.approved || d.ResolvedBy != tt.by || !d.DecidedAt.Equal(tt.at) || d.Shown != "GET /x" {
				t.Errorf("decision = %+v", d)
			}
		})
	}
}

func TestStatic_StampsDecision(t *testing.T) {
	d, err := Static(Decision{Approved: true, ResolvedBy: "policy"}).RequestApproval(context.Background(), testRequest())
	if err != nil || !d.Approved {
		t.Fatalf("%+v %v", d, err)
	}
	if d.Shown != testRequest().Description || d.DecidedAt.IsZero() {
		t.Errorf("decision = %+v", d)
	}
}

// --- ChannelProvider ---

func TestChannelProvider(t *testing.T) {
	p := NewChannelProvider(1)
	go func() {
		prompt := <-p.Prompts()
		prompt.Reply <- Decision{Approved: prompt.Request.RiskLevel == "high", ResolvedBy: "bot"}
	}()
	d, err := p.RequestApproval(context.Background(), testRequest())
	if err != nil || !d.Approved {
		t.Fatalf("decision = %+v, err = %v", d, err)
	}
	if d.Shown == "" || d.DecidedAt.IsZero() {
		t.Errorf("decision not stamped: %+v", d)
	}
}

func TestChannelProvider_Cancelled(t *testing.T) {
	p := NewChannelProvider(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.RequestApproval(ctx, testRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

// --- AutoApprover ---

func TestAutoApprover_LearnsFromManualApprovals(t *testing.T) {
	a := NewAutoApprover(AutoApprovalConfig{AllowedEndpoints: []string{"/transfers"}, RequiredApprovals: 2}, testLogger())
	manual := 0
	next := ProviderFunc(func(context.Context, Request) (Decision, error) {
		manual++
		return Decision{Approved: true, ResolvedBy: "alice"}, nil
	})
	p := a.Wrap(next)

	var last Decision
	for i := range 3 {
		d, err := p.RequestApproval(context.Background(), testRequest())
		if err != nil || !d.Approved {
			t.Fatalf("request %d: %+v %v", i, d, err)
		}
		last = d
	}
	if manual != 2 {
		t.Errorf("manual approvals = %d, want 2 before auto-approval kicks in", manual)
	}
	if last.ResolvedBy != "auto" || last.DecidedAt.IsZero() || last.Shown == "" {
		t.Errorf("auto decision = %+v", last)
	}
}

func TestAutoApprover_EndpointNotAllowed(t *testing.T) {
	a := NewAutoApprover(AutoApprovalConfig{AllowedEndpoints: []string{"/reminders"}, RequiredApprovals: 1}, testLogger())
	a.RecordManualApproval(testRequest())
	a.RecordManualApproval(testRequest())
	if ok, _ := a.ShouldAutoApprove(testRequest()); ok {
		t.Error("endpoint outside the allowlist must never be auto-approved")
	}
}

func TestAutoApprover_HourlyCap(t *testing.T) {
	a := NewAutoApprover(AutoApprovalConfig{AllowedEndpoints: []string{"/"}, RequiredApprovals: 1, MaxAutoApprovals: 1}, testLogger())
	a.RecordManualApproval(testRequest())
	if ok, _ := a.ShouldAutoApprove(testRequest()); !ok {
		t.Fatal("first auto-approval should pass")
	}
	if ok, _ := a.ShouldAutoApprove(testRequest()); ok {
		t.Error("cap exceeded but still auto-approved")
	}
}

// --- Janitor ---

func TestNewJanitor_Schedule(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute, testLogger())
	if _, err := NewJanitor(m, "not a schedule", time.Hour, testLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	j, err := NewJanitor(m, "@every 1m", time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	stop := j.Start()
	stop()
}

func TestJanitor_SweepRunsTasks(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, testLogger())
	j, err := NewJanitor(m, "@every 1h", time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var calls int
	j.AddTask("count", func(context.Context) error {
		calls++
		return nil
	})
	j.AddTask("broken", func(context.Context) error {
		return errors.New("boom")
	})

	j.sweep()
	if calls != 1 {
		t.Errorf("task calls = %d, want 1", calls)
	}
}

// --- Webhook ---

func TestWebhookNotifier_Send(t *testing.T) {
	var got webhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testLogger()).AllowPrivate()
	n.ApprovalRequested(context.Background(), &PendingApproval{ID: "a1", Endpoint: "/transfers"})
	n.Wait()

	if got.Event != "approval_requested" || got.Approval == nil || got.Approval.ID != "a1" {
		t.Errorf("event = %+v", got)
	}
}

func TestWebhookNotifier_RejectsLoopback(t *testing.T) {
	n := NewWebhookNotifier("http://localhost:9/hook", testLogger())
	if err := n.Send(context.Background(), "approval_requested", &PendingApproval{ID: "x"}); err == nil {
		t.Error("expected loopback URL to be rejected")
	}
}
