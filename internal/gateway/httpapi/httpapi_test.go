package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/customer"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/actiongate/internal/ratelimit"
	"github.com/jkaninda/actiongate/internal/recovery"
	"github.com/jkaninda/actiongate/internal/tools"
)

const (
	aliceKey = "key-alice"
	bobKey   = "key-bob"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	base     string
	pipeline *pipeline.Pipeline
	manager  *approval.Manager
}

type fixtureOptions struct {
	limiter   *ratelimit.Limiter
	customers *customer.Client
	metrics   *observability.MetricsCollector
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := testLogger()

	inv := tools.InvokerFunc(func(context.Context, tools.Request) (*tools.Response, error) {
		return &tools.Response{StatusCode: 200, Payload: map[string]any{"ok": true}}, nil
	})
	v, err := action.NewValidator(logger)
	if err != nil {
		t.Fatal(err)
	}
	cat := action.NewCatalog(v)
	if err := cat.Register(action.Entry{Name: "get_balance", Method: "GET", Endpoint: "/accounts/{id}/balance", Category: "customer", RetryPolicy: `{"retries":1}`}); err != nil {
		t.Fatal(err)
	}
	m := approval.NewManager(approval.NewMemoryStore(), time.Minute, logger).WithPollInterval(10 * time.Millisecond)
	p := pipeline.New(filter.Default(), v, recovery.NewExecutor(inv, logger), m, logger).WithCatalog(cat)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})

	cfg := Config{
		ListenAddr: freeAddr(t),
		APIKeys:    map[string]string{aliceKey: "alice", bobKey: "bob"},
	}
	if opts.metrics != nil {
		cfg.Metrics = opts.metrics
		cfg.MetricsRegistry = opts.metrics.Registry
	}
	g := NewGateway(cfg, p, opts.limiter, logger).WithApprovals(m)
	if opts.customers != nil {
		g.WithCustomers(opts.customers)
	}

	go func() { _ = g.Start(context.Background()) }()
	t.Cleanup(func() { _ = g.Stop(context.Background()) })

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return &fixture{base: base, pipeline: p, manager: m}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, f.base+path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func (f *fixture) waitState(t *testing.T, runID string, want pipeline.State) RunResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		code, data := f.do(t, "GET", "/v1/runs/"+runID, aliceKey, nil)
		if code == http.StatusOK {
			resp := decode[RunResponse](t, data)
			if resp.Run.State == want {
				return resp
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached %s (last %d %s)", runID, want, code, data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Authentication ---

func TestAuth(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	if code, _ := f.do(t, "GET", "/v1/healthz", "", nil); code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d", code)
	}
	if code, _ := f.do(t, "GET", "/v1/healthz", "wrong", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d", code)
	}
	if code, _ := f.do(t, "GET", "/v1/healthz", aliceKey, nil); code != http.StatusOK {
		t.Errorf("valid key: status %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOptions{limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})})

	if code, _ := f.do(t, "GET", "/v1/healthz", aliceKey, nil); code != http.StatusOK {
		t.Fatalf("first request: status %d", code)
	}
	if code, _ := f.do(t, "GET", "/v1/healthz", aliceKey, nil); code != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", code)
	}
	if code, _ := f.do(t, "GET", "/v1/healthz", bobKey, nil); code != http.StatusOK {
		t.Errorf("other user: status %d", code)
	}
}

// --- Actions ---

func TestSubmit_Sync(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	code, data := f.do(t, "POST", "/v1/actions", aliceKey, ActionRequest{
		Descriptor: map[string]any{"method": "GET", "endpoint": "/profile"},
		Text:       "my mail is lan@example.com",
	})
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, data)
	}
	out := decode[pipeline.Outcome](t, data)
	if out.State != pipeline.StateCompleted || out.Text != "my mail is lan@example.com" {
		t.Errorf("outcome = %+v", out)
	}

	// The stored run only holds masked text.
	resp := f.waitState(t, out.RunID, pipeline.StateCompleted)
	if strings.Contains(resp.Run.Text, "lan@example.com") {
		t.Errorf("run text not masked: %q", resp.Run.Text)
	}
	if resp.Outcome == nil || resp.Outcome.RunID != out.RunID {
		t.Errorf("outcome missing from run response: %+v", resp)
	}
}

func TestSubmit_Catalog(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	code, data := f.do(t, "POST", "/v1/actions", aliceKey, ActionRequest{
		Action: "get_balance",
		Params: pipeline.Params{Path: map[string]any{"id": "42"}},
	})
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, data)
	}
	if out := decode[pipeline.Outcome](t, data); out.State != pipeline.StateCompleted || out.Handling != action.HandlingCustomer {
		t.Errorf("outcome = %+v", out)
	}

	code, data = f.do(t, "GET", "/v1/catalog", aliceKey, nil)
	entries := decode[[]CatalogEntry](t, data)
	if code != http.StatusOK || len(entries) != 1 || entries[0].Name != "get_balance" || entries[0].Retries != 1 {
		t.Errorf("catalog = %d %+v", code, entries)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	tests := []struct {
		name string
		body ActionRequest
		code int
	}{
		{"empty", ActionRequest{}, http.StatusBadRequest},
		{"both", ActionRequest{Descriptor: map[string]any{"method": "GET"}, Action: "get_balance"}, http.StatusBadRequest},
		{"invalid descriptor", ActionRequest{Descriptor: map[string]any{"method": "PATCH"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := f.do(t, "POST", "/v1/actions", aliceKey, tt.body)
			if code != tt.code {
				t.Fatalf("status %d, want %d: %s", code, tt.code, data)
			}
			if code == http.StatusOK {
				out := decode[pipeline.Outcome](t, data)
				if out.State != pipeline.StateRejected || out.Validation == nil || out.Validation.Field != "method" {
					t.Errorf("outcome = %+v", out)
				}
			}
		})
	}
}

// --- Approvals ---

func TestAsyncApprovalFlow(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	code, data := f.do(t, "POST", "/v1/actions", aliceKey, ActionRequest{
		Descriptor: map[string]any{"method": "POST", "endpoint": "/transfers", "risk_level": "high"},
		Async:      true,
	})
	if code != http.StatusAccepted {
		t.Fatalf("status %d: %s", code, data)
	}
	runID := decode[AcceptedResponse](t, data).RunID
	f.waitState(t, runID, pipeline.StateAwaitingApproval)

	code, data = f.do(t, "GET", "/v1/approvals", bobKey, nil)
	list := decode[[]approval.PendingApproval](t, data)
	if code != http.StatusOK || len(list) != 1 || list[0].RunID != runID {
		t.Fatalf("approvals = %d %+v", code, list)
	}
	approvalID := list[0].ID

	if code, _ := f.do(t, "GET", "/v1/approvals/"+approvalID, bobKey, nil); code != http.StatusOK {
		t.Errorf("get approval: status %d", code)
	}
	if code, _ := f.do(t, "POST", "/v1/approve", bobKey, ApproveRequest{ApprovalID: approvalID, Decision: "maybe"}); code != http.StatusBadRequest {
		t.Errorf("bad decision: status %d", code)
	}
	code, data = f.do(t, "POST", "/v1/approve", bobKey, ApproveRequest{ApprovalID: approvalID, Decision: "approve"})
	if code != http.StatusOK || decode[ApproveResponse](t, data).Status != "approved" {
		t.Fatalf("approve: %d %s", code, data)
	}
	if code, _ := f.do(t, "POST", "/v1/approve", bobKey, ApproveRequest{ApprovalID: approvalID, Decision: "deny"}); code != http.StatusConflict {
		t.Errorf("second decision: status %d, want 409", code)
	}

	resp := f.waitState(t, runID, pipeline.StateCompleted)
	if resp.Run.ApprovedBy != "bob" {
		t.Errorf("approved_by = %q", resp.Run.ApprovedBy)
	}
}

func TestApprove_Errors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if code, _ := f.do(t, "POST", "/v1/approve", bobKey, ApproveRequest{ApprovalID: "missing", Decision: "approve"}); code != http.StatusNotFound {
		t.Errorf("unknown approval: status %d", code)
	}
	if code, _ := f.do(t, "POST", "/v1/approve", bobKey, ApproveRequest{Decision: "approve"}); code != http.StatusBadRequest {
		t.Errorf("missing id: status %d", code)
	}
	if code, _ := f.do(t, "GET", "/v1/approvals?limit=0", bobKey, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", code)
	}
}

// --- Runs ---

func TestRuns_CancelAndOwnership(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, data := f.do(t, "POST", "/v1/actions", aliceKey, ActionRequest{
		Descriptor: map[string]any{"method": "DELETE", "endpoint": "/cards/1", "risk_level": "critical"},
		Async:      true,
	})
	runID := decode[AcceptedResponse](t, data).RunID
	f.waitState(t, runID, pipeline.StateAwaitingApproval)

	if code, _ := f.do(t, "GET", "/v1/runs/"+runID, bobKey, nil); code != http.StatusNotFound {
		t.Errorf("foreign run: status %d, want 404", code)
	}
	if code, _ := f.do(t, "POST", "/v1/runs/"+runID+"/cancel", bobKey, nil); code != http.StatusNotFound {
		t.Errorf("foreign cancel: status %d, want 404", code)
	}
	if code, data := f.do(t, "POST", "/v1/runs/"+runID+"/cancel", aliceKey, nil); code != http.StatusOK {
		t.Fatalf("cancel: status %d %s", code, data)
	}

	resp := f.waitState(t, runID, pipeline.StateCancelled)
	if resp.Outcome == nil || resp.Outcome.Message != pipeline.MessageCancelled {
		t.Errorf("outcome = %+v", resp.Outcome)
	}
	if code, _ := f.do(t, "POST", "/v1/runs/"+runID+"/cancel", aliceKey, nil); code != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", code)
	}
	if code, _ := f.do(t, "GET", "/v1/runs/unknown", aliceKey, nil); code != http.StatusNotFound {
		t.Errorf("unknown run: status %d", code)
	}
}

func TestRunEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, data := f.do(t, "POST", "/v1/actions", aliceKey, ActionRequest{
		Descriptor: map[string]any{"method": "GET", "endpoint": "/x"},
	})
	runID := decode[pipeline.Outcome](t, data).RunID

	code, body := f.do(t, "GET", "/v1/runs/"+runID+"/events", aliceKey, nil)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !strings.Contains(string(body), "event: done") || !strings.Contains(string(body), `"completed"`) {
		t.Errorf("stream:\n%s", body)
	}
}

// --- Filter ---

func TestFilterEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	text := "account 0123456789 and lan@example.com"

	code, data := f.do(t, "POST", "/v1/filter/detect", aliceKey, TextRequest{Text: text})
	det := decode[DetectResponse](t, data)
	if code != http.StatusOK || len(det.Detections["email"]) != 1 || len(det.Detections["account_number"]) != 1 {
		t.Errorf("detect = %d %+v", code, det)
	}

	code, data = f.do(t, "POST", "/v1/filter/mask", aliceKey, TextRequest{Text: text})
	masked := decode[MaskResponse](t, data)
	if code != http.StatusOK || strings.Contains(masked.Masked, "lan@example.com") {
		t.Fatalf("mask = %d %+v", code, masked)
	}
	if got := f.pipeline.Filter().Unmask(masked.Masked, masked.Mapping); got != text {
		t.Errorf("round trip = %q", got)
	}
}

// --- Customers ---

func TestCustomers(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "Lan"})
	}))
	defer backend.Close()
	client := customer.NewClient(customer.Config{APIURL: backend.URL, Timeout: time.Second}, nil, testLogger())
	f := newFixture(t, fixtureOptions{customers: client})

	code, data := f.do(t, "GET", "/v1/customers/u-1", aliceKey, nil)
	if code != http.StatusOK || decode[map[string]any](t, data)["name"] != "Lan" {
		t.Errorf("found: %d %s", code, data)
	}
	if code, _ := f.do(t, "GET", "/v1/customers/u-2", aliceKey, nil); code != http.StatusNotFound {
		t.Errorf("missing: status %d", code)
	}

	unconfigured := newFixture(t, fixtureOptions{})
	if code, _ := unconfigured.do(t, "GET", "/v1/customers/u-1", aliceKey, nil); code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured: status %d", code)
	}
}

// --- Observability ---

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetricsCollector()
	f := newFixture(t, fixtureOptions{metrics: m})

	f.do(t, "GET", "/v1/healthz", aliceKey, nil)
	code, data := f.do(t, "GET", "/metrics", "", nil)
	if code != http.StatusOK || !strings.Contains(string(data), "actiongate_http_requests_total") {
		t.Errorf("metrics: %d\n%s", code, data)
	}
	if code, _ := f.do(t, "GET", "/readyz", "", nil); code != http.StatusOK {
		t.Errorf("readyz: status %d", code)
	}
}
