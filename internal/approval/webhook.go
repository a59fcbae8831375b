package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// WebhookNotifier POSTs approval lifecycle events to a URL.
// Includes SSRF protection: blocks requests to private IP ranges.
type WebhookNotifier struct {
	url          string
	httpClient   *http.Client
	allowPrivate bool
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// webhookEvent is the JSON body sent to the webhook.
type webhookEvent struct {
	Event    string           `json:"event"` // "approval_requested" or "approval_resolved"
	Approval *PendingApproval `json:"approval"`
}

// NewWebhookNotifier creates a notifier for webhookURL.
func NewWebhookNotifier(webhookURL string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Do not follow redirects, which prevents SSRF via redirect to internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// AllowPrivate disables the private address check, for in-cluster receivers.
func (w *WebhookNotifier) AllowPrivate() *WebhookNotifier {
	w.allowPrivate = true
	return w
}

// ApprovalRequested implements Notifier.
func (w *WebhookNotifier) ApprovalRequested(ctx context.Context, pa *PendingApproval) {
	w.sendAsync(ctx, "approval_requested", pa)
}

// ApprovalResolved implements Notifier.
func (w *WebhookNotifier) ApprovalResolved(ctx context.Context, pa *PendingApproval) {
	w.sendAsync(ctx, "approval_resolved", pa)
}

// Wait blocks until in-flight deliveries finish.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

func (w *WebhookNotifier) sendAsync(ctx context.Context, event string, pa *PendingApproval) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := w.Send(ctx, event, pa); err != nil {
			w.logger.Warn("approval webhook failed",
				slog.String("event", event),
				slog.String("approval_id", pa.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Send delivers one event synchronously.
func (w *WebhookNotifier) Send(ctx context.Context, event string, pa *PendingApproval) error {
	if !w.allowPrivate {
		if err := validateWebhookURL(w.url); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}

	body, err := json.Marshal(webhookEvent{Event: event, Approval: pa})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ActionGate-Webhook/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
