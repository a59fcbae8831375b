// Package pipeline composes the action execution stages into one auditable
// flow: mask, validate, route, policy, approval, execute with recovery, unmask.
//
// Every run executes on its own goroutine with its own masking table. Nothing
// is shared between runs except read-only configuration, and no lock is held
// while a run waits for approval or between retries.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/recovery"
	"github.com/jkaninda/actiongate/internal/security"
	"github.com/jkaninda/actiongate/internal/tools"
)

// Messages returned to callers for non-failure terminal states.
const (
	MessageDenied    = "The action was not approved."
	MessageCancelled = "The action was cancelled."
	MessageBlocked   = "The action is not allowed."
)

const defaultRetention = 24 * time.Hour

// Options tunes run execution.
type Options struct {
	MaxConcurrentRuns int           // 0 = unbounded.
	RunTimeout        time.Duration // 0 = none.
	Retention         time.Duration // How long finished runs stay queryable. 0 = 24h.
}

// Pipeline executes actions. Safe for concurrent use.
type Pipeline struct {
	filter    *filter.Filter
	validator *action.Validator
	executor  *recovery.Executor
	approver  approval.Provider
	catalog   *action.Catalog
	policy    *security.PolicyEnforcer
	auditor   security.Auditor
	store     RunStore
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerSetup
	logger    *slog.Logger

	opts Options
	sem  chan struct{}
	now  func() time.Time

	mu     sync.Mutex
	runs   map[string]*tracked
	closed bool
	wg     sync.WaitGroup
}

// tracked is the in-memory view of a run. run is a snapshot replaced on every
// transition; outcome is set once the run is terminal.
type tracked struct {
	run     Run
	outcome *Outcome
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline. A nil approver rejects every action that needs
// approval.
func New(f *filter.Filter, v *action.Validator, exec *recovery.Executor, approver approval.Provider, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		filter:    f,
		validator: v,
		executor:  exec,
		approver:  approver,
		policy:    security.NewPolicyEnforcer(security.DefaultPolicy(), logger),
		logger:    logger,
		runs:      make(map[string]*tracked),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithCatalog enables submitting actions by catalog name.
func (p *Pipeline) WithCatalog(c *action.Catalog) *Pipeline {
	p.catalog = c
	return p
}

// WithPolicy replaces the default policy (approval for high and critical).
func (p *Pipeline) WithPolicy(e *security.PolicyEnforcer) *Pipeline {
	p.policy = e
	return p
}

// WithAuditor sets the audit sink.
func (p *Pipeline) WithAuditor(a security.Auditor) *Pipeline {
	p.auditor = a
	return p
}

// WithRunStore persists run records.
func (p *Pipeline) WithRunStore(s RunStore) *Pipeline {
	p.store = s
	return p
}

// WithMetrics enables Prometheus metrics.
func (p *Pipeline) WithMetrics(m *observability.MetricsCollector) *Pipeline {
	p.metrics = m
	return p
}

// WithTracer enables OpenTelemetry spans.
func (p *Pipeline) WithTracer(t *observability.TracerSetup) *Pipeline {
	p.tracer = t
	return p
}

// WithOptions sets concurrency, timeout and retention limits.
func (p *Pipeline) WithOptions(o Options) *Pipeline {
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	p.opts = o
	if o.MaxConcurrentRuns > 0 {
		p.sem = make(chan struct{}, o.MaxConcurrentRuns)
	} else {
		p.sem = nil
	}
	return p
}

// Filter returns the sensitive data filter used for masking.
func (p *Pipeline) Filter() *filter.Filter { return p.filter }

// Catalog returns the action catalog, or nil.
func (p *Pipeline) Catalog() *action.Catalog { return p.catalog }

// Run executes one action synchronously and returns its outcome. Cancelling
// ctx while the run waits for approval or between retries ends it as
// cancelled. Run only fails when the pipeline is closed.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Outcome, error) {
	run, runCtx, t, err := p.start(ctx, in)
	if err != nil {
		return nil, err
	}
	defer p.wg.Done()
	defer t.cancel()
	return p.execute(runCtx, run, in), nil
}

// RunAsync starts one action on its own goroutine and returns its run ID.
// The run outlives ctx; use Cancel to stop it.
func (p *Pipeline) RunAsync(ctx context.Context, in Input) (string, error) {
	run, runCtx, t, err := p.start(context.WithoutCancel(ctx), in)
	if err != nil {
		return "", err
	}
	go func() {
		defer p.wg.Done()
		defer t.cancel()
		p.execute(runCtx, run, in)
	}()
	return run.ID, nil
}

// Get returns a snapshot of a run, from memory while it is retained and from
// the run store otherwise.
func (p *Pipeline) Get(ctx context.Context, id string) (*Run, error) {
	p.mu.Lock()
	t, ok := p.runs[id]
	var snapshot Run
	if ok {
		snapshot = t.run
	}
	p.mu.Unlock()
	if ok {
		return &snapshot, nil
	}
	if p.store == nil {
		return nil, ErrRunNotFound
	}
	return p.store.Get(ctx, id)
}

// Outcome returns the caller-facing result of a finished run that is still
// retained in memory. The boolean is false while the run is in flight.
func (p *Pipeline) Outcome(id string) (*Outcome, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.runs[id]
	if !ok {
		return nil, false, ErrRunNotFound
	}
	if t.outcome == nil {
		return nil, false, nil
	}
	out := *t.outcome
	return &out, true, nil
}

// Wait blocks until the run finishes or ctx is done and returns its outcome.
func (p *Pipeline) Wait(ctx context.Context, id string) (*Outcome, error) {
	p.mu.Lock()
	t, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out, _, err := p.Outcome(id)
	return out, err
}

// Cancel stops an in-flight run.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	t, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	select {
	case <-t.done:
		return ErrRunFinished
	default:
	}
	t.cancel()
	p.logger.Info("run cancel requested", slog.String("run_id", id))
	return nil
}

// Active returns the number of runs in flight.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.runs {
		if t.outcome == nil {
			n++
		}
	}
	return n
}

// PurgeFinished forgets finished runs older than the retention period, both
// in memory and in the run store.
func (p *Pipeline) PurgeFinished(ctx context.Context) error {
	cutoff := p.now().Add(-p.retention())
	p.mu.Lock()
	p.pruneLocked(cutoff)
	p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	n, err := p.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging runs: %w", err)
	}
	if n > 0 {
		p.logger.Info("purged finished runs", slog.Int64("count", n))
	}
	return nil
}

// Close stops accepting runs and waits for in-flight ones. When ctx is done
// first, remaining runs are cancelled and awaited.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	for _, t := range p.runs {
		t.cancel()
	}
	p.mu.Unlock()
	<-done
	return ctx.Err()
}

// start registers a new run. The caller owns one wg slot and t.cancel.
func (p *Pipeline) start(ctx context.Context, in Input) (*Run, context.Context, *tracked, error) {
	now := p.now()
	run := &Run{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		State:     StateReceived,
		Action:    in.Action,
		CreatedAt: now,
		UpdatedAt: now,
	}

	runCtx, cancel := context.WithCancel(ctx)
	if p.opts.RunTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, p.opts.RunTimeout)
		parent := cancel
		cancel = func() {
			timeoutCancel()
			parent()
		}
	}
	t := &tracked{run: *run, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, nil, nil, ErrClosed
	}
	p.pruneLocked(now.Add(-p.retention()))
	p.runs[run.ID] = t
	p.wg.Add(1)
	p.mu.Unlock()

	return run, runCtx, t, nil
}

func (p *Pipeline) retention() time.Duration {
	if p.opts.Retention > 0 {
		return p.opts.Retention
	}
	return defaultRetention
}

// pruneLocked drops finished runs completed before cutoff. Caller holds p.mu.
func (p *Pipeline) pruneLocked(cutoff time.Time) {
	for id, t := range p.runs {
		if t.outcome != nil && t.run.CompletedAt.Before(cutoff) {
			delete(p.runs, id)
		}
	}
}

// execute drives one run through the state machine.
func (p *Pipeline) execute(ctx context.Context, run *Run, in Input) *Outcome {
	started := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveRuns.Inc()
		defer p.metrics.ActiveRuns.Dec()
	}

	if run.UserID != "" {
		ctx = tools.ContextWithUserID(ctx, run.UserID)
	}
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.run",
		attribute.String("run.id", run.ID),
		attribute.String("run.user_id", run.UserID),
	)

	// One masking table per run; only masked text is logged, audited or stored.
	maskedText, mapping := p.filter.Mask(in.Text, nil)
	run.Text = maskedText
	p.countDetections(in.Text)

	out := &Outcome{RunID: run.ID, Mapping: mapping}
	p.audit(ctx, run, security.EventReceived, "")
	p.save(ctx, run)

	if !p.acquire(ctx) {
		p.cancelled(ctx, run, out, 0, ctx.Err())
		return p.finish(ctx, span, run, out, mapping, started)
	}
	defer p.release()

	// Received -> Validated.
	d, verr := p.resolve(in)
	if verr != nil {
		run.Reason = RejectValidation
		run.Error = p.maskString(verr.Error(), mapping)
		out.Reason = RejectValidation
		out.Validation = verr
		out.Message = verr.Error()
		p.transition(ctx, run, StateRejected)
		p.audit(ctx, run, security.EventRejected, run.Error)
		return p.finish(ctx, span, run, out, mapping, started)
	}
	run.Method = d.Method
	run.Endpoint = d.Endpoint
	run.Category = d.Category
	run.RiskLevel = d.RiskLevel.String()
	if run.Action == "" {
		run.Action = d.Name
	}
	span.SetAttributes(
		attribute.String("action.method", d.Method),
		attribute.String("action.endpoint", d.Endpoint),
		attribute.String("action.category", d.Category),
		attribute.String("action.risk", run.RiskLevel),
	)
	p.transition(ctx, run, StateValidated)

	// Validated -> Routed.
	handling := action.Route(d)
	run.Handling = handling
	out.Handling = handling
	p.transition(ctx, run, StateRouted)

	if err := p.policy.CheckAllowed(ctx, d.Subject()); err != nil {
		p.policyResult("denied")
		run.Reason = RejectPolicy
		run.Error = err.Error()
		out.Reason = RejectPolicy
		out.Message = MessageBlocked
		p.transition(ctx, run, StateRejected)
		p.audit(ctx, run, security.EventRejected, run.Error)
		return p.finish(ctx, span, run, out, mapping, started)
	}
	p.policyResult("allowed")

	// Routed -> AwaitingApproval, when required.
	if p.policy.RequiresApproval(d.Subject()) {
		p.transition(ctx, run, StateAwaitingApproval)
		p.audit(ctx, run, security.EventApprovalRequested, "")

		decision, err := p.requestApproval(ctx, run, d, mapping)
		switch {
		case err != nil && ctx.Err() != nil:
			p.cancelled(ctx, run, out, 0, ctx.Err())
			return p.finish(ctx, span, run, out, mapping, started)
		case err != nil:
			// No decision could be obtained; the action must not run.
			p.logger.ErrorContext(ctx, "approval request failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
			decision = approval.Decision{ResolvedBy: "system", Reason: "approval unavailable", DecidedAt: p.now()}
		}
		run.ApprovedBy = decision.ResolvedBy
		out.ApprovedBy = decision.ResolvedBy
		if !decision.Approved {
			run.Reason = RejectDenied
			run.Error = p.maskString(decision.Reason, mapping)
			out.Reason = RejectDenied
			out.Message = MessageDenied
			p.transition(ctx, run, StateRejected)
			p.auditDecision(ctx, run, security.EventDenied, run.Error, decision)
			return p.finish(ctx, span, run, out, mapping, started)
		}
		p.auditDecision(ctx, run, security.EventApproved, "", decision)
	}

	// -> Executing.
	p.transition(ctx, run, StateExecuting)
	p.audit(ctx, run, security.EventExecuting, "")

	result := p.executor.ExecuteWithRecovery(ctx, d)
	run.Attempts = result.Attempts
	out.Attempts = result.Attempts

	if !result.OK() {
		if result.Failure.Kind == recovery.KindCancelled {
			p.cancelled(ctx, run, out, result.Attempts, result.Failure.Cause)
			out.Failure = result.Failure
			return p.finish(ctx, span, run, out, mapping, started)
		}
		run.Error = string(result.Failure.Kind)
		if result.Failure.Cause != nil {
			run.Error += ": " + p.maskString(result.Failure.Cause.Error(), mapping)
		}
		out.Failure = result.Failure
		out.Message = recovery.FallbackMessage
		p.transition(ctx, run, StateFailed)
		p.audit(ctx, run, security.EventFailed, run.Error)
		return p.finish(ctx, span, run, out, mapping, started)
	}

	answer := renderPayload(result.Response.Payload)
	maskedAnswer, _ := p.filter.Mask(answer, mapping)
	run.Answer = maskedAnswer
	out.Payload = result.Response.Payload
	out.Answer = p.filter.Unmask(maskedAnswer, mapping)
	p.transition(ctx, run, StateCompleted)
	p.audit(ctx, run, security.EventCompleted, "")
	return p.finish(ctx, span, run, out, mapping, started)
}

// resolve turns the input into a validated descriptor.
func (p *Pipeline) resolve(in Input) (*action.Descriptor, *action.ValidationError) {
	var (
		d   *action.Descriptor
		err error
	)
	if in.Action != "" {
		if p.catalog == nil {
			return nil, &action.ValidationError{Field: "action", Reason: "catalog is not configured"}
		}
		tmpl, gerr := p.catalog.Get(in.Action)
		if gerr != nil {
			return nil, &action.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", in.Action)}
		}
		d = tmpl.WithParams(in.Params.Path, in.Params.Query, in.Params.Body)
		err = action.CheckPathParams(d)
	} else {
		d, err = p.validator.Validate(in.Descriptor)
	}
	if err != nil {
		var ve *action.ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &action.ValidationError{Reason: err.Error()}
	}
	return d, nil
}

func (p *Pipeline) requestApproval(ctx context.Context, run *Run, d *action.Descriptor, mapping *filter.Mapping) (approval.Decision, error) {
	if p.approver == nil {
		return approval.Decision{ResolvedBy: "system", Reason: "no approval provider configured", DecidedAt: p.now()}, nil
	}
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.approval", attribute.String("run.id", run.ID))
	description := d.Summary()
	if run.Text != "" {
		description += ": " + run.Text
	}
	req := approval.Request{
		RunID:       run.ID,
		UserID:      run.UserID,
		Description: description,
		Method:      d.Method,
		Endpoint:    d.Endpoint,
		Category:    d.Category,
		RiskLevel:   d.RiskLevel.String(),
		Params: map[string]any{
			"path_params":  p.maskValue(d.PathParams, mapping),
			"query_params": p.maskValue(d.QueryParams, mapping),
			"body_params":  p.maskValue(d.BodyParams, mapping),
		},
	}
	decision, err := p.approver.RequestApproval(ctx, req)
	if err == nil && !decision.Approved {
		observability.EndSpan(span, approval.ErrDenied)
	} else {
		observability.EndSpan(span, err)
	}
	return decision, err
}

func (p *Pipeline) cancelled(ctx context.Context, run *Run, out *Outcome, attempts int, cause error) {
	run.Attempts = attempts
	if cause != nil {
		run.Error = fmt.Errorf("%w: %v", ErrCancelled, cause).Error()
	} else {
		run.Error = ErrCancelled.Error()
	}
	out.Attempts = attempts
	out.Message = MessageCancelled
	p.transition(ctx, run, StateCancelled)
	p.audit(ctx, run, security.EventCancelled, run.Error)
}

// finish records the terminal state and publishes the outcome.
func (p *Pipeline) finish(ctx context.Context, span trace.Span, run *Run, out *Outcome, mapping *filter.Mapping, started time.Time) *Outcome {
	run.CompletedAt = p.now()
	out.State = run.State
	out.Text = p.filter.Unmask(run.Text, mapping)

	// Persist with a context that survives cancellation of the run itself.
	p.save(context.WithoutCancel(ctx), run)

	if p.metrics != nil {
		p.metrics.ActionsTotal.WithLabelValues(run.Category, string(run.State)).Inc()
		p.metrics.ActionDuration.WithLabelValues(run.Category).Observe(time.Since(started).Seconds())
	}
	level := slog.LevelInfo
	if run.State == StateFailed {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "run finished",
		slog.String("run_id", run.ID),
		slog.String("state", string(run.State)),
		slog.String("endpoint", run.Endpoint),
		slog.Int("attempts", run.Attempts),
		slog.Duration("duration", time.Since(started)),
	)

	span.SetAttributes(attribute.String("run.state", string(run.State)))
	var spanErr error
	if run.State == StateFailed {
		spanErr = errors.New(run.Error)
	}
	observability.EndSpan(span, spanErr)

	p.mu.Lock()
	if t, ok := p.runs[run.ID]; ok {
		t.run = *run
		t.outcome = out
		close(t.done)
	}
	p.mu.Unlock()
	return out
}

// transition moves the run to s and publishes the snapshot.
func (p *Pipeline) transition(ctx context.Context, run *Run, s State) {
	run.State = s
	run.UpdatedAt = p.now()
	p.logger.DebugContext(ctx, "run state",
		slog.String("run_id", run.ID),
		slog.String("state", string(s)),
	)
	p.mu.Lock()
	if t, ok := p.runs[run.ID]; ok {
		t.run = *run
	}
	p.mu.Unlock()
	if !s.Terminal() {
		p.save(ctx, run)
	}
}

func (p *Pipeline) save(ctx context.Context, run *Run) {
	if p.store == nil {
		return
	}
	snapshot := *run
	if err := p.store.Save(ctx, &snapshot); err != nil {
		p.logger.WarnContext(ctx, "saving run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) audit(ctx context.Context, run *Run, event, detail string) {
	p.appendAudit(ctx, p.auditEvent(run, event, detail))
}

// auditDecision records an approval outcome with what the reviewer saw and
// when they decided.
func (p *Pipeline) auditDecision(ctx context.Context, run *Run, event, detail string, d approval.Decision) {
	ev := p.auditEvent(run, event, detail)
	ev.Shown = d.Shown
	ev.DecidedAt = d.DecidedAt
	if ev.DecidedAt.IsZero() {
		ev.DecidedAt = ev.Timestamp
	}
	p.appendAudit(ctx, ev)
}

func (p *Pipeline) auditEvent(run *Run, event, detail string) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:  p.now(),
		RunID:      run.ID,
		UserID:     run.UserID,
		Event:      event,
		Method:     run.Method,
		Endpoint:   run.Endpoint,
		Category:   run.Category,
		RiskLevel:  run.RiskLevel,
		Text:       run.Text,
		Attempts:   run.Attempts,
		ApprovedBy: run.ApprovedBy,
		Error:      detail,
	}
}

func (p *Pipeline) appendAudit(ctx context.Context, ev security.AuditEvent) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Append(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.WarnContext(ctx, "audit append failed",
			slog.String("run_id", ev.RunID),
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) acquire(ctx context.Context) bool {
	if p.sem == nil {
		return true
	}
	select {
	case p.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) release() {
	if p.sem != nil {
		<-p.sem
	}
}

func (p *Pipeline) countDetections(text string) {
	if p.metrics == nil || text == "" {
		return
	}
	for category, matches := range p.filter.Detect(text) {
		p.metrics.FilterDetectionsTotal.WithLabelValues(category).Add(float64(len(matches)))
	}
}

func (p *Pipeline) policyResult(result string) {
	if p.metrics != nil {
		p.metrics.PolicyChecksTotal.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) maskString(s string, mapping *filter.Mapping) string {
	masked, _ := p.filter.Mask(s, mapping)
	return masked
}

// maskValue returns a copy of v with every string masked.
func (p *Pipeline) maskValue(v any, mapping *filter.Mapping) any {
	switch val := v.(type) {
	case string:
		return p.maskString(val, mapping)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = p.maskValue(item, mapping)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = p.maskValue(item, mapping)
		}
		return out
	default:
		return v
	}
}

// renderPayload turns a tool payload into answer text.
func renderPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
