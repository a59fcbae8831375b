// Package httpapi implements the HTTP API gateway for ActionGate.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Responses carry unmasked text only for the run's own caller
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/customer"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/actiongate/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          *observability.TracerSetup      // Tracer for HTTP middleware.
}

// ApprovalManager is the part of approval.Manager the API exposes.
type ApprovalManager interface {
	Get(ctx context.Context, id string) (*approval.PendingApproval, error)
	List(ctx context.Context, pendingOnly bool, limit int) ([]*approval.PendingApproval, error)
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID, reason string) error
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config      Config
	pipeline    *pipeline.Pipeline
	approvalMgr ApprovalManager  // nil = approval endpoints report 503.
	customers   *customer.Client // nil = customer lookups report 503.
	limiter     *ratelimit.Limiter
	logger      *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the reviewer WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, p *pipeline.Pipeline, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		pipeline: p,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithApprovals exposes approval listing and resolution.
func (g *Gateway) WithApprovals(am ApprovalManager) *Gateway {
	g.approvalMgr = am
	return g
}

// WithCustomers exposes customer information lookups.
func (g *Gateway) WithCustomers(c *customer.Client) *Gateway {
	g.customers = c
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "ActionGate",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the reviewer WebSocket endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous runs may wait for approval; keep room for it.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

func (g *Gateway) routes() {
	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Actions and runs.
	g.group.Post("/actions", g.handleSubmit,
		okapi.DocSummary("Submit an action for execution"),
		okapi.DocTags("Actions"),
		okapi.DocRequestBody(ActionRequest{}),
		okapi.DocResponse(pipeline.Outcome{}),
		okapi.DocResponse(http.StatusAccepted, AcceptedResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run and, once finished, its outcome"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel an in-flight run"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/events", g.handleRunEvents,
		okapi.DocSummary("Stream run state changes via SSE"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/catalog", g.handleCatalog,
		okapi.DocSummary("List named actions"),
		okapi.DocTags("Actions"),
		okapi.DocResponse([]CatalogEntry{}),
	)

	// Approvals.
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List approvals, newest first"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]approval.PendingApproval{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/approvals/{id}", g.handleApprovalGet,
		okapi.DocSummary("Get an approval"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
		okapi.DocResponse(approval.PendingApproval{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approve", g.handleApprove,
		okapi.DocSummary("Approve or deny a pending action"),
		okapi.DocTags("Approvals"),
		okapi.DocRequestBody(ApproveRequest{}),
		okapi.DocResponse(ApproveResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)

	// Sensitive data filter.
	g.group.Post("/filter/detect", g.handleDetect,
		okapi.DocSummary("Detect sensitive data in text"),
		okapi.DocTags("Filter"),
		okapi.DocRequestBody(TextRequest{}),
		okapi.DocResponse(DetectResponse{}),
	)
	g.group.Post("/filter/mask", g.handleMask,
		okapi.DocSummary("Mask sensitive data in text"),
		okapi.DocTags("Filter"),
		okapi.DocRequestBody(TextRequest{}),
		okapi.DocResponse(MaskResponse{}),
	)

	// Customers.
	g.group.Get("/customers/{id}", g.handleCustomer,
		okapi.DocSummary("Look up customer information"),
		okapi.DocTags("Customers"),
		okapi.DocPathParam("id", "string", "Customer user ID"),
		okapi.DocResponse(map[string]any{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Extra handlers (e.g., reviewer WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// --- Health ---

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies. Only a failed required
// check yields 503; a degraded instance still takes traffic.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, stores the mapped user ID and applies
// the per-user rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, uid := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = uid
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(userID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}

// runError maps pipeline errors to appropriate HTTP responses.
func runError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	case errors.Is(err, pipeline.ErrRunFinished):
		return c.JSON(http.StatusConflict, okapi.M{"error": "run already finished"})
	case errors.Is(err, pipeline.ErrClosed):
		return c.AbortServiceUnavailable("shutting down")
	default:
		return c.AbortInternalServerError("run error")
	}
}
