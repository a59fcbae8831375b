// Package tools performs single calls against external tool endpoints.
// Retries live one layer up; an Invoker makes exactly one request per call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Invoker performs one call to a tool endpoint.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Request is a resolved tool call.
type Request struct {
	Method      string
	Endpoint    string
	PathParams  map[string]any
	QueryParams map[string]any
	BodyParams  map[string]any
	Headers     map[string]string
}

// Response is the structured payload returned by a tool.
type Response struct {
	StatusCode int             `json:"status_code"`
	Payload    any             `json:"payload"`
	Raw        json.RawMessage `json:"-"`
}

// ToolError reports a failed tool call: network failure, non-2xx status or an
// unparseable body. Status is 0 when no response was received.
type ToolError struct {
	Status  int
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Status == 0 {
		return "tool error: " + e.Message
	}
	return fmt.Sprintf("tool error (status %d): %s", e.Status, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// UnsupportedMethodError is returned, without any network call, for methods
// other than GET, POST, PUT and DELETE.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("method %q is not supported", e.Method)
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userIDKey contextKey = iota

// ContextWithUserID returns a new context carrying the user ID.
// The HTTP invoker forwards it to the tool as X-User-ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from context, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "... [truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
