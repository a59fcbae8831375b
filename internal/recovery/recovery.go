// Package recovery drives tool calls under an action's retry policy and
// turns exhausted failures into a fixed, non-leaking result.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/tools"
)

// FallbackMessage is the only failure text shown to end users.
const FallbackMessage = "Unable to process the request, please try again later."

// FailureKind classifies a terminal failure.
type FailureKind string

const (
	KindToolError         FailureKind = "tool_error"
	KindUnsupportedMethod FailureKind = "unsupported_method"
	KindCancelled         FailureKind = "cancelled"
)

// Failure describes an action that produced no payload. Message is always
// FallbackMessage; the raw cause is kept for logs and audit only.
type Failure struct {
	Kind         FailureKind `json:"kind"`
	Message      string      `json:"message"`
	AttemptsMade int         `json:"attempts_made"`
	Cause        error       `json:"-"`
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Cause }

// Result is the single outcome of ExecuteWithRecovery. Exactly one of
// Response and Failure is set.
type Result struct {
	Response *tools.Response
	Attempts int
	Failure  *Failure
}

// OK reports whether the action succeeded.
func (r *Result) OK() bool { return r != nil && r.Failure == nil }

// Executor retries tool calls. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	invoker tools.Invoker
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	after   func(time.Duration) <-chan time.Time
}

// NewExecutor creates an executor calling inv.
func NewExecutor(inv tools.Invoker, logger *slog.Logger) *Executor {
	return &Executor{
		invoker: inv,
		logger:  logger,
		after:   time.After,
	}
}

// WithMetrics enables retry counting.
func (e *Executor) WithMetrics(m *observability.MetricsCollector) *Executor {
	e.metrics = m
	return e
}

// ExecuteWithRecovery calls the tool described by d up to
// d.RetryPolicy.Attempts() times. The delay is waited only between a failed
// attempt and the next one, and is abandoned when ctx is done.
func (e *Executor) ExecuteWithRecovery(ctx context.Context, d *action.Descriptor) *Result {
	req := tools.Request{
		Method:      d.Method,
		Endpoint:    d.Endpoint,
		PathParams:  d.PathParams,
		QueryParams: d.QueryParams,
		BodyParams:  d.BodyParams,
		Headers:     d.Headers,
	}
	attempts := d.RetryPolicy.Attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.fail(KindCancelled, attempt-1, err)
		}

		resp, err := e.invoker.Invoke(ctx, req)
		if err == nil {
			if attempt > 1 {
				e.logger.InfoContext(ctx, "tool call recovered",
					slog.String("endpoint", d.Endpoint),
					slog.Int("attempt", attempt),
				)
			}
			return &Result{Response: resp, Attempts: attempt}
		}
		lastErr = err

		var ume *tools.UnsupportedMethodError
		if errors.As(err, &ume) {
			e.logger.ErrorContext(ctx, "unsupported tool method",
				slog.String("method", d.Method),
				slog.String("endpoint", d.Endpoint),
			)
			return e.fail(KindUnsupportedMethod, attempt, err)
		}
		if ctx.Err() != nil {
			return e.fail(KindCancelled, attempt, ctx.Err())
		}

		e.logger.WarnContext(ctx, "tool call failed",
			slog.String("method", d.Method),
			slog.String("endpoint", d.Endpoint),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		if attempt == attempts {
			break
		}
		if e.metrics != nil {
			e.metrics.RetriesTotal.WithLabelValues(d.Category).Inc()
		}
		if d.RetryPolicy.Delay > 0 {
			select {
			case <-ctx.Done():
				return e.fail(KindCancelled, attempt, ctx.Err())
			case <-e.after(d.RetryPolicy.Delay):
			}
		}
	}
	return e.fail(KindToolError, attempts, lastErr)
}

func (e *Executor) fail(kind FailureKind, attempts int, cause error) *Result {
	return &Result{
		Attempts: attempts,
		Failure: &Failure{
			Kind:         kind,
			Message:      FallbackMessage,
			AttemptsMade: attempts,
			Cause:        cause,
		},
	}
}
