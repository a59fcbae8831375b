// Package cli implements an interactive reviewer console for ActionGate.
// Operators submit actions, follow runs and resolve pending approvals from
// a terminal.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/pipeline"
)

const cliUserID = "cli-user"

// Runner is the part of the pipeline the console drives.
type Runner interface {
	RunAsync(ctx context.Context, in pipeline.Input) (string, error)
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	Cancel(id string) error
}

// Approvals is the part of the approval manager the console drives.
type Approvals interface {
	List(ctx context.Context, pendingOnly bool, limit int) ([]*approval.PendingApproval, error)
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID, reason string) error
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	runner    Runner
	approvals Approvals
	in        io.Reader
	logger    *slog.Logger
	done      chan struct{} // closed by Stop to signal shutdown

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// NewGateway creates a console reading commands from in and writing to out.
// approvals may be nil when no approval manager is configured.
func NewGateway(r Runner, approvals Approvals, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		runner:    r,
		approvals: approvals,
		in:        in,
		out:       out,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	g.println("ActionGate reviewer console")
	g.println(`Type "help" for commands (or "exit" to quit).`)
	g.println("")

	for {
		g.printf("actiongate> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			g.println("\nShutting down.")
			return nil
		case <-g.done:
			g.println("\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			g.println("Goodbye.")
			return nil
		}
		g.dispatch(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help":
		g.println("  run <descriptor json>     submit an action")
		g.println("  status <run id>           show a run")
		g.println("  cancel <run id>           cancel an in-flight run")
		g.println("  pending                   list pending approvals")
		g.println("  approve <approval id>     approve a pending action")
		g.println("  deny <approval id> [why]  deny a pending action")
		g.println("  exit                      quit")
	case "run":
		g.run(ctx, rest)
	case "status":
		g.status(ctx, rest)
	case "cancel":
		if err := g.runner.Cancel(rest); err != nil {
			g.printf("Cancel failed: %v\n", err)
			return
		}
		g.println("Cancellation requested.")
	case "pending":
		g.pending(ctx)
	case "approve":
		g.resolve(ctx, rest, true, "")
	case "deny":
		id, reason, _ := strings.Cut(rest, " ")
		g.resolve(ctx, id, false, strings.TrimSpace(reason))
	default:
		g.printf("Unknown command %q. Type \"help\".\n", cmd)
	}
}

func (g *Gateway) run(ctx context.Context, body string) {
	var descriptor map[string]any
	if err := json.Unmarshal([]byte(body), &descriptor); err != nil {
		g.printf("Invalid descriptor: %v\n", err)
		return
	}
	text, _ := descriptor["text"].(string)
	delete(descriptor, "text")

	id, err := g.runner.RunAsync(ctx, pipeline.Input{
		UserID:     cliUserID,
		Descriptor: descriptor,
		Text:       text,
	})
	if err != nil {
		g.printf("Submit failed: %v\n", err)
		return
	}
	g.logger.DebugContext(ctx, "cli run submitted", slog.String("run_id", id))
	g.printf("Run %s submitted.\n", id)
}

func (g *Gateway) status(ctx context.Context, id string) {
	run, err := g.runner.Get(ctx, id)
	if err != nil {
		g.printf("Status failed: %v\n", err)
		return
	}
	g.printf("Run %s: %s", run.ID, run.State)
	if run.Endpoint != "" {
		g.printf(" (%s %s)", run.Method, run.Endpoint)
	}
	g.println("")
	if run.Attempts > 0 {
		g.printf("  Attempts: %d\n", run.Attempts)
	}
	if run.Answer != "" {
		g.printf("  Answer:   %s\n", run.Answer)
	}
	if run.Error != "" {
		g.printf("  Error:    %s\n", run.Error)
	}
}

func (g *Gateway) pending(ctx context.Context) {
	if g.approvals == nil {
		g.println("No approval manager configured.")
		return
	}
	list, err := g.approvals.List(ctx, true, 50)
	if err != nil {
		g.printf("Listing approvals failed: %v\n", err)
		return
	}
	if len(list) == 0 {
		g.println("No pending approvals.")
		return
	}
	for _, pa := range list {
		g.printApproval(pa)
	}
}

func (g *Gateway) resolve(ctx context.Context, id string, approve bool, reason string) {
	if g.approvals == nil {
		g.println("No approval manager configured.")
		return
	}
	if id == "" {
		g.println("Approval ID is required.")
		return
	}

	var err error
	if approve {
		err = g.approvals.Approve(ctx, id, cliUserID)
	} else {
		err = g.approvals.Deny(ctx, id, cliUserID, reason)
	}
	switch {
	case err == nil && approve:
		g.println("Approved.")
	case err == nil:
		g.println("Denied.")
	case errors.Is(err, approval.ErrNotFound):
		g.println("Approval not found.")
	case errors.Is(err, approval.ErrExpired):
		g.println("Approval expired.")
	case errors.Is(err, approval.ErrAlreadyResolved):
		g.println("Approval already resolved.")
	default:
		g.printf("Resolving approval failed: %v\n", err)
	}
}

// ApprovalRequested prints new pending approvals as they arrive.
func (g *Gateway) ApprovalRequested(_ context.Context, pa *approval.PendingApproval) {
	g.println("")
	g.printApproval(pa)
}

// ApprovalResolved is a no-op; the console reports its own decisions.
func (g *Gateway) ApprovalResolved(context.Context, *approval.PendingApproval) {}

func (g *Gateway) printApproval(pa *approval.PendingApproval) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.out, "Approval required for %s %s (risk: %s)\n", pa.Method, pa.Endpoint, pa.RiskLevel)
	fmt.Fprintf(g.out, "  Description: %s\n", pa.Description)
	fmt.Fprintf(g.out, "  Requested:   %s\n", pa.UserID)
	fmt.Fprintf(g.out, "  Approval ID: %s\n", pa.ID)
	fmt.Fprintf(g.out, "  Expires:     %s\n", pa.ExpiresAt.Format("15:04:05"))
}

func (g *Gateway) printf(format string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.out, format, args...)
}

func (g *Gateway) println(s string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintln(g.out, s)
}

var _ approval.Notifier = (*Gateway)(nil)
