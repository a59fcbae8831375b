package httpapi

import (
	"time"

	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/okapi"
)

const ssePollInterval = 250 * time.Millisecond

// SSEEvent represents a server-sent event describing a run.
type SSEEvent struct {
	Type    string            `json:"type"` // "state", "done" or "error"
	RunID   string            `json:"run_id"`
	State   pipeline.State    `json:"state,omitempty"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
	Content string            `json:"content,omitempty"`
}

// handleRunEvents handles GET /v1/runs/{id}/events. It emits one "state"
// event per observed transition and a final "done" event with the outcome.
func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	run, err := g.ownedRun(c)
	if err != nil {
		return runError(c, err)
	}

	ctx := c.Context()
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	var last pipeline.State
	for {
		if run.State != last {
			last = run.State
			c.SSEvent("state", SSEEvent{Type: "state", RunID: run.ID, State: run.State})
		}
		if run.State.Terminal() {
			ev := SSEEvent{Type: "done", RunID: run.ID, State: run.State}
			if out, done, err := g.pipeline.Outcome(run.ID); err == nil && done {
				ev.Outcome = out
			}
			c.SSEvent("done", ev)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		run, err = g.pipeline.Get(ctx, run.ID)
		if err != nil {
			c.SSEvent("error", SSEEvent{Type: "error", RunID: c.Param("id"), Content: "run no longer available"})
			return nil
		}
	}
}
