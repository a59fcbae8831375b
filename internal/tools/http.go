package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 1 << 20 // 1 MB
	maxErrorBodyBytes       = 512
)

var pathParamPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// HTTPConfig configures the HTTP invoker.
type HTTPConfig struct {
	BaseURL          string            // e.g. "http://localhost:8000"
	Timeout          time.Duration     // Per-call timeout. 0 = 10s.
	MaxResponseBytes int64             // Response body cap. 0 = 1 MB.
	Headers          map[string]string // Sent with every call; request headers win.
}

// HTTPInvoker calls tool endpoints over HTTP. GET and DELETE send parameters
// as a query string; POST and PUT send body parameters as JSON.
type HTTPInvoker struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPInvoker creates an invoker. A nil client gets a default one that
// does not follow redirects.
func NewHTTPInvoker(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPInvoker{config: cfg, client: client, logger: logger}
}

// Invoke performs exactly one HTTP request.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
	case http.MethodPost, http.MethodPut:
		params := req.BodyParams
		if params == nil {
			params = map[string]any{}
		}
		data, err := json.Marshal(params)
		if err != nil {
			return nil, &ToolError{Message: "encoding request body", Err: err}
		}
		body = bytes.NewReader(data)
	default:
		return nil, &UnsupportedMethodError{Method: req.Method}
	}

	target, err := h.buildURL(req)
	if err != nil {
		return nil, &ToolError{Message: "building request URL", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &ToolError{Message: "creating request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "ActionGate/1.0")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if userID := UserIDFromContext(ctx); userID != "" && httpReq.Header.Get("X-User-ID") == "" {
		httpReq.Header.Set("X-User-ID", userID)
	}

	h.logger.DebugContext(ctx, "tool call",
		slog.String("method", method),
		slog.String("endpoint", req.Endpoint),
	)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}
		return nil, &ToolError{Message: msg, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBytes+1))
	if err != nil {
		return nil, &ToolError{Status: resp.StatusCode, Message: "reading response", Err: err}
	}
	if int64(len(data)) > h.config.MaxResponseBytes {
		return nil, &ToolError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", h.config.MaxResponseBytes),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ToolError{
			Status:  resp.StatusCode,
			Message: TruncateOutput(strings.TrimSpace(string(data)), maxErrorBodyBytes),
		}
	}

	out := &Response{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusNoContent || (len(bytes.TrimSpace(data)) == 0 && method == http.MethodDelete) {
		return out, nil
	}
	if err := json.Unmarshal(data, &out.Payload); err != nil {
		return nil, &ToolError{Status: resp.StatusCode, Message: "response is not valid JSON", Err: err}
	}
	out.Raw = json.RawMessage(data)
	return out, nil
}

// buildURL joins the base URL and endpoint, fills {placeholders} from
// PathParams and encodes QueryParams.
func (h *HTTPInvoker) buildURL(req Request) (string, error) {
	var missing []string
	path := pathParamPattern.ReplaceAllStringFunc(req.Endpoint, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := req.PathParams[name]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(fmt.Sprint(v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing path parameters: %s", strings.Join(missing, ", "))
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u, err := url.Parse(h.config.BaseURL + path)
	if err != nil {
		return "", err
	}
	if len(req.QueryParams) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(req.QueryParams))
		for k := range req.QueryParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := req.QueryParams[k].(type) {
			case nil:
			case []any:
				for _, item := range v {
					q.Add(k, fmt.Sprint(item))
				}
			case []string:
				for _, item := range v {
					q.Add(k, item)
				}
			default:
				q.Add(k, fmt.Sprint(v))
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Ping checks that the tool backend answers at its base URL. Any response
// below 500 counts as reachable, since the root path need not exist.
func (h *HTTPInvoker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.config.BaseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("creating ping request: %w", err)
	}
	req.Header.Set("User-Agent", "ActionGate/1.0")
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("tool backend unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("tool backend returned %d", resp.StatusCode)
	}
	return nil
}
