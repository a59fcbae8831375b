// Package action defines the action descriptor that flows through the
// execution pipeline, together with its validator, router and catalog.
package action

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/actiongate/internal/security"
)

// Supported HTTP methods.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// DefaultCategory is used when a descriptor declares no category.
const DefaultCategory = "general"

// IsSupportedMethod reports whether m (case-insensitive) can be dispatched.
func IsSupportedMethod(m string) bool {
	switch strings.ToUpper(m) {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// Descriptor is a validated intent to call one tool endpoint.
// It is never mutated after validation; use the With* methods to derive a copy.
type Descriptor struct {
	Name        string             `json:"name,omitempty"`
	Method      string             `json:"method"`
	Endpoint    string             `json:"endpoint"`
	PathParams  map[string]any     `json:"path_params"`
	QueryParams map[string]any     `json:"query_params"`
	BodyParams  map[string]any     `json:"body_params"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Category    string             `json:"category"`
	RetryPolicy RetryPolicy        `json:"retry_policy"`
	RiskLevel   security.RiskLevel `json:"risk_level"`
}

// Subject returns the view of the descriptor used by security policy.
func (d *Descriptor) Subject() security.Subject {
	return security.Subject{
		Method:   d.Method,
		Endpoint: d.Endpoint,
		Category: d.Category,
		Risk:     d.RiskLevel,
	}
}

// Summary is a one-line human readable description, e.g. for approval prompts.
func (d *Descriptor) Summary() string {
	name := d.Name
	if name == "" {
		name = d.Endpoint
	}
	return fmt.Sprintf("%s %s (%s, risk %s)", d.Method, name, d.Category, d.RiskLevel)
}

// WithParams returns a copy whose parameter maps are the receiver's maps
// overlaid with the given values. Nil arguments leave a map unchanged.
func (d *Descriptor) WithParams(path, query, body map[string]any) *Descriptor {
	cp := d.clone()
	maps.Copy(cp.PathParams, path)
	maps.Copy(cp.QueryParams, query)
	maps.Copy(cp.BodyParams, body)
	return cp
}

// WithHeaders returns a copy with extra headers added.
func (d *Descriptor) WithHeaders(h map[string]string) *Descriptor {
	cp := d.clone()
	if cp.Headers == nil && len(h) > 0 {
		cp.Headers = make(map[string]string, len(h))
	}
	maps.Copy(cp.Headers, h)
	return cp
}

func (d *Descriptor) clone() *Descriptor {
	cp := *d
	cp.PathParams = maps.Clone(d.PathParams)
	cp.QueryParams = maps.Clone(d.QueryParams)
	cp.BodyParams = maps.Clone(d.BodyParams)
	cp.Headers = maps.Clone(d.Headers)
	if cp.PathParams == nil {
		cp.PathParams = map[string]any{}
	}
	if cp.QueryParams == nil {
		cp.QueryParams = map[string]any{}
	}
	if cp.BodyParams == nil {
		cp.BodyParams = map[string]any{}
	}
	return &cp
}

// RetryPolicy governs how many times a failed tool call is retried.
// Total attempts are MaxRetries+1; Delay separates consecutive attempts.
type RetryPolicy struct {
	MaxRetries int           `json:"retries"`
	Delay      time.Duration `json:"-"`
}

// Attempts returns the total number of tool calls the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// MarshalJSON encodes the policy as {"retries":n,"delay":"2s"}.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Retries int    `json:"retries"`
		Delay   string `json:"delay"`
	}{p.MaxRetries, p.Delay.String()})
}

// ParseRetryPolicy accepts the forms a retry policy arrives in: nil, a JSON
// string such as `{"retries":2,"delay":"2s"}`, or an already decoded object.
// Delay may be a Go duration string, a number of seconds, or a numeric string
// of seconds. A nil value is the zero policy. Any malformed input returns the
// zero policy along with a descriptive error.
func ParseRetryPolicy(v any) (RetryPolicy, error) {
	switch raw := v.(type) {
	case nil:
		return RetryPolicy{}, nil
	case RetryPolicy:
		if raw.MaxRetries < 0 || raw.Delay < 0 {
			return RetryPolicy{}, fmt.Errorf("retry policy must not be negative")
		}
		return raw, nil
	case string:
		if strings.TrimSpace(raw) == "" {
			return RetryPolicy{}, nil
		}
		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return RetryPolicy{}, fmt.Errorf("retry policy is not a JSON object: %w", err)
		}
		return parseRetryObject(obj)
	case map[string]any:
		return parseRetryObject(raw)
	default:
		return RetryPolicy{}, fmt.Errorf("retry policy has unsupported type %T", v)
	}
}

func parseRetryObject(obj map[string]any) (RetryPolicy, error) {
	var p RetryPolicy

	retriesRaw, ok := obj["retries"]
	if !ok {
		retriesRaw, ok = obj["max_retries"]
	}
	if ok {
		n, err := toInt(retriesRaw)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("retries: %w", err)
		}
		if n < 0 {
			return RetryPolicy{}, fmt.Errorf("retries must not be negative")
		}
		p.MaxRetries = n
	}

	if delayRaw, ok := obj["delay"]; ok {
		d, err := toDuration(delayRaw)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("delay: %w", err)
		}
		if d < 0 {
			return RetryPolicy{}, fmt.Errorf("delay must not be negative")
		}
		p.Delay = d
	}
	return p, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, err
		}
		return int(i), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	case json.Number:
		secs, err := d.Float64()
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
