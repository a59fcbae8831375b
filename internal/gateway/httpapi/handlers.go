package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/customer"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/okapi"
)

// --- Actions ---

// ActionRequest is the JSON body for POST /v1/actions. Exactly one of
// Descriptor and Action is set.
type ActionRequest struct {
	Descriptor map[string]any  `json:"descriptor,omitempty"`
	Action     string          `json:"action,omitempty"`
	Params     pipeline.Params `json:"params,omitzero"`
	Text       string          `json:"text,omitempty"`
	Async      bool            `json:"async,omitempty"`
}

// AcceptedResponse is returned with HTTP 202 for asynchronous submissions.
type AcceptedResponse struct {
	RunID   string         `json:"run_id"`
	State   pipeline.State `json:"state"`
	Message string         `json:"message"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if (req.Descriptor == nil) == (req.Action == "") {
		return c.AbortBadRequest("exactly one of descriptor and action is required")
	}

	in := pipeline.Input{
		UserID:     userID,
		Descriptor: req.Descriptor,
		Action:     req.Action,
		Params:     req.Params,
		Text:       req.Text,
	}

	if req.Async {
		id, err := g.pipeline.RunAsync(c.Context(), in)
		if err != nil {
			return runError(c, err)
		}
		g.logger.Info("http action accepted",
			slog.String("user_id", userID),
			slog.String("run_id", id),
		)
		return c.JSON(http.StatusAccepted, AcceptedResponse{
			RunID:   id,
			State:   pipeline.StateReceived,
			Message: "Poll GET /v1/runs/" + id + " for the outcome.",
		})
	}

	out, err := g.pipeline.Run(c.Context(), in)
	if err != nil {
		return runError(c, err)
	}
	return c.OK(out)
}

// RunResponse is the JSON response for GET /v1/runs/{id}. Outcome is set
// once the run has finished and while it is retained in memory.
type RunResponse struct {
	Run     *pipeline.Run     `json:"run"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	run, err := g.ownedRun(c)
	if err != nil {
		return runError(c, err)
	}
	resp := RunResponse{Run: run}
	if out, done, err := g.pipeline.Outcome(run.ID); err == nil && done {
		resp.Outcome = out
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	run, err := g.ownedRun(c)
	if err != nil {
		return runError(c, err)
	}
	if err := g.pipeline.Cancel(run.ID); err != nil {
		return runError(c, err)
	}
	return c.OK(map[string]string{"status": "cancelling"})
}

// ownedRun loads the run named in the path. Runs of other users are
// reported as not found.
func (g *Gateway) ownedRun(c *okapi.Context) (*pipeline.Run, error) {
	run, err := g.pipeline.Get(c.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if run.UserID != c.GetString("userID") {
		return nil, pipeline.ErrRunNotFound
	}
	return run, nil
}

// CatalogEntry is one named action in GET /v1/catalog.
type CatalogEntry struct {
	Name      string `json:"name"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	Category  string `json:"category"`
	RiskLevel string `json:"risk_level"`
	Retries   int    `json:"retries"`
}

func (g *Gateway) handleCatalog(c *okapi.Context) error {
	resp := []CatalogEntry{}
	if cat := g.pipeline.Catalog(); cat != nil {
		for _, d := range cat.List() {
			resp = append(resp, CatalogEntry{
				Name:      d.Name,
				Method:    d.Method,
				Endpoint:  d.Endpoint,
				Category:  d.Category,
				RiskLevel: d.RiskLevel.String(),
				Retries:   d.RetryPolicy.MaxRetries,
			})
		}
	}
	return c.OK(resp)
}

// --- Approvals ---

// ApproveRequest is the JSON body for POST /v1/approve.
type ApproveRequest struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // "approve" or "deny"
	Reason     string `json:"reason,omitempty"`
}

// ApproveResponse is the JSON response after a decision.
type ApproveResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.approvalMgr == nil {
		return c.AbortServiceUnavailable("approval manager not configured")
	}

	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ApprovalID == "" {
		return c.AbortBadRequest("approval_id is required")
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return c.AbortBadRequest("decision must be \"approve\" or \"deny\"")
	}

	g.logger.Info("http approval",
		slog.String("user_id", userID),
		slog.String("approval_id", req.ApprovalID),
		slog.String("decision", req.Decision),
	)

	if req.Decision == "deny" {
		if err := g.approvalMgr.Deny(c.Context(), req.ApprovalID, userID, req.Reason); err != nil {
			return approvalError(c, err)
		}
		return c.OK(ApproveResponse{ApprovalID: req.ApprovalID, Status: approval.StatusDenied.String()})
	}
	if err := g.approvalMgr.Approve(c.Context(), req.ApprovalID, userID); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApproveResponse{ApprovalID: req.ApprovalID, Status: approval.StatusApproved.String()})
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	if g.approvalMgr == nil {
		return c.AbortServiceUnavailable("approval manager not configured")
	}
	q := c.Request().URL.Query()
	pendingOnly := q.Get("pending") != "false"
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return c.AbortBadRequest("limit must be between 1 and 500")
		}
		limit = n
	}

	list, err := g.approvalMgr.List(c.Context(), pendingOnly, limit)
	if err != nil {
		g.logger.Error("listing approvals failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing approvals failed")
	}
	if list == nil {
		list = []*approval.PendingApproval{}
	}
	return c.OK(list)
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	if g.approvalMgr == nil {
		return c.AbortServiceUnavailable("approval manager not configured")
	}
	pa, err := g.approvalMgr.Get(c.Context(), c.Param("id"))
	if err != nil {
		return approvalError(c, err)
	}
	return c.OK(pa)
}

// --- Filter ---

// TextRequest is the JSON body for the filter endpoints.
type TextRequest struct {
	Text string `json:"text"`
}

// DetectResponse lists raw matches per category.
type DetectResponse struct {
	Detections map[string][]string `json:"detections"`
}

// MaskResponse carries masked text and the mapping that restores it.
type MaskResponse struct {
	Masked  string          `json:"masked"`
	Mapping *filter.Mapping `json:"mapping"`
}

func (g *Gateway) handleDetect(c *okapi.Context) error {
	var req TextRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	return c.OK(DetectResponse{Detections: g.pipeline.Filter().Detect(req.Text)})
}

func (g *Gateway) handleMask(c *okapi.Context) error {
	var req TextRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	masked, mapping := g.pipeline.Filter().Mask(req.Text, nil)
	return c.OK(MaskResponse{Masked: masked, Mapping: mapping})
}

// --- Customers ---

func (g *Gateway) handleCustomer(c *okapi.Context) error {
	if g.customers == nil {
		return c.AbortServiceUnavailable("customer service unavailable")
	}
	info, err := g.customers.Lookup(c.Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.OK(info)
	case errors.Is(err, customer.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "customer not found"})
	default:
		g.logger.Warn("customer lookup failed", slog.String("error", err.Error()))
		return c.AbortServiceUnavailable("customer service unavailable")
	}
}
