package observability

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/actiongate/internal/tools"
)

// InstrumentedInvoker wraps a tools.Invoker with metrics, tracing, and
// anomaly detection. Each Invoke is one attempt; retries show up as
// separate observations.
type InstrumentedInvoker struct {
	inner   tools.Invoker
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedInvoker wraps inv with observability. Every argument but
// inv may be nil.
func NewInstrumentedInvoker(inv tools.Invoker, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedInvoker {
	return &InstrumentedInvoker{
		inner:   inv,
		metrics: metrics,
		tracer:  ts,
		anomaly: anomaly,
	}
}

// Invoke calls the wrapped invoker and records the outcome.
func (i *InstrumentedInvoker) Invoke(ctx context.Context, req tools.Request) (*tools.Response, error) {
	method := strings.ToUpper(req.Method)
	ctx, span := i.tracer.StartSpan(ctx, "tool.invoke",
		attribute.String("tool.method", method),
		attribute.String("tool.endpoint", req.Endpoint),
	)

	start := time.Now()
	resp, err := i.inner.Invoke(ctx, req)
	duration := time.Since(start).Seconds()

	status := toolStatus(resp, err)
	span.SetAttributes(attribute.String("tool.status", status))
	EndSpan(span, err)

	if i.metrics != nil {
		i.metrics.ToolCallsTotal.WithLabelValues(method, req.Endpoint, status).Inc()
		i.metrics.ToolCallDuration.WithLabelValues(method, req.Endpoint).Observe(duration)
	}

	op := "tool:" + method + " " + req.Endpoint
	if err != nil {
		i.anomaly.RecordError(op)
	} else {
		i.anomaly.RecordSuccess(op)
	}
	return resp, err
}

// toolStatus labels an attempt with the HTTP status code when one was
// received, "unsupported" for rejected methods and "error" otherwise.
func toolStatus(resp *tools.Response, err error) string {
	if err == nil {
		if resp != nil {
			return statusCode(resp.StatusCode)
		}
		return "ok"
	}
	var ume *tools.UnsupportedMethodError
	if errors.As(err, &ume) {
		return "unsupported"
	}
	var te *tools.ToolError
	if errors.As(err, &te) && te.Status != 0 {
		return statusCode(te.Status)
	}
	return "error"
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

var _ tools.Invoker = (*InstrumentedInvoker)(nil)
