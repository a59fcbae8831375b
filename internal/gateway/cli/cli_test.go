package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	inputs    []pipeline.Input
	cancelled []string
}

func (f *fakeRunner) RunAsync(_ context.Context, in pipeline.Input) (string, error) {
	f.inputs = append(f.inputs, in)
	return "run-1", nil
}

func (f *fakeRunner) Get(_ context.Context, id string) (*pipeline.Run, error) {
	if id != "run-1" {
		return nil, pipeline.ErrRunNotFound
	}
	return &pipeline.Run{ID: id, State: pipeline.StateCompleted, Method: "GET", Endpoint: "/x", Attempts: 2, Answer: "<EMAIL_1>"}, nil
}

func (f *fakeRunner) Cancel(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func runConsole(t *testing.T, r Runner, a Approvals, input string) string {
	t.Helper()
	var out bytes.Buffer
	g := NewGateway(r, a, strings.NewReader(input), &out, testLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return out.String()
}

// --- Runs ---

func TestConsole_SubmitAndStatus(t *testing.T) {
	r := &fakeRunner{}
	out := runConsole(t, r, nil, `run {"method":"GET","endpoint":"/x","text":"hi"}
status run-1
status nope
cancel run-1
exit
`)

	if len(r.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(r.inputs))
	}
	in := r.inputs[0]
	if in.UserID != cliUserID || in.Text != "hi" || in.Descriptor["method"] != "GET" {
		t.Errorf("input = %+v", in)
	}
	if _, ok := in.Descriptor["text"]; ok {
		t.Error("text must not be part of the descriptor")
	}
	for _, want := range []string{"Run run-1 submitted.", "Run run-1: completed (GET /x)", "Attempts: 2", "Status failed", "Goodbye."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(r.cancelled) != 1 || r.cancelled[0] != "run-1" {
		t.Errorf("cancelled = %v", r.cancelled)
	}
}

func TestConsole_InvalidDescriptor(t *testing.T) {
	r := &fakeRunner{}
	out := runConsole(t, r, nil, "run {nope\n")
	if !strings.Contains(out, "Invalid descriptor") || len(r.inputs) != 0 {
		t.Errorf("output:\n%s", out)
	}
}

// --- Approvals ---

func TestConsole_ResolvesApprovals(t *testing.T) {
	m := approval.NewManager(approval.NewMemoryStore(), time.Minute, testLogger())
	ctx := context.Background()
	first, _ := m.Create(ctx, approval.Request{RunID: "r1", Method: "POST", Endpoint: "/transfers", RiskLevel: "high"})
	second, _ := m.Create(ctx, approval.Request{RunID: "r2", Method: "DELETE", Endpoint: "/cards/1", RiskLevel: "critical"})

	out := runConsole(t, &fakeRunner{}, m, strings.Join([]string{
		"pending",
		"approve " + first.ID,
		"deny " + second.ID + " not today",
		"approve " + first.ID,
		"approve missing",
	}, "\n")+"\n")

	for _, want := range []string{first.ID, "/cards/1", "Approved.", "Denied.", "Approval already resolved.", "Approval not found."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	got, _ := m.Get(ctx, second.ID)
	if got.Status != approval.StatusDenied || got.Reason != "not today" || got.ResolvedBy != cliUserID {
		t.Errorf("second = %+v", got)
	}
}

func TestConsole_NoApprovalManager(t *testing.T) {
	out := runConsole(t, &fakeRunner{}, nil, "pending\napprove x\n")
	if strings.Count(out, "No approval manager configured.") != 2 {
		t.Errorf("output:\n%s", out)
	}
}

func TestConsole_PrintsPushedApprovals(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(&fakeRunner{}, nil, strings.NewReader(""), &out, testLogger())
	g.ApprovalRequested(context.Background(), &approval.PendingApproval{
		ID: "a-1", Method: "POST", Endpoint: "/transfers", RiskLevel: "high", Description: "POST /transfers",
	})
	if !strings.Contains(out.String(), "Approval ID: a-1") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestConsole_StopEndsLoop(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(&fakeRunner{}, nil, strings.NewReader("help\n"), &out, testLogger())
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Shutting down.") {
		t.Errorf("output:\n%s", out.String())
	}
}
