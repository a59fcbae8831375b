package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/actiongate/internal/config"
)

// minSamples is the smallest window population an error rate is judged on.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection on tool
// endpoints using sliding windows of successes and failures.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation and reports whether the operation's
// error rate now exceeds the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	rate, total, anomalous := a.errorRate(operation)
	if anomalous && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.cfg.ErrorRateThreshold),
			slog.Float64("total", total),
		)
	}
	return anomalous
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// ErrorRate returns the current error rate of operation within the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, _, _ := a.errorRate(operation)
	return rate
}

// Anomalous returns the operations whose error rate exceeds the threshold.
func (a *AnomalyDetector) Anomalous() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for op := range a.errorCounts {
		if _, _, bad := a.errorRate(op); bad {
			out = append(out, op)
		}
	}
	sort.Strings(out)
	return out
}

// Check is a readiness check that fails while any operation is anomalous.
func (a *AnomalyDetector) Check(_ context.Context) error {
	if ops := a.Anomalous(); len(ops) > 0 {
		return fmt.Errorf("high error rate: %s", strings.Join(ops, ", "))
	}
	return nil
}

// errorRate must be called with a.mu held.
func (a *AnomalyDetector) errorRate(operation string) (rate, total float64, anomalous bool) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total = errs + successes
	if total == 0 {
		return 0, 0, false
	}
	rate = errs / total
	threshold := a.cfg.ErrorRateThreshold
	anomalous = threshold > 0 && total >= minSamples && rate > threshold
	return rate, total, anomalous
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
