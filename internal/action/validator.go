package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jkaninda/actiongate/internal/security"
)

// ValidationError reports a malformed action descriptor.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid action: " + e.Reason
	}
	return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
}

const descriptorSchemaURL = "actiongate://schemas/descriptor.json"

// descriptorSchema is intentionally permissive: it only pins down the kinds
// of the known fields. Business rules are enforced downstream.
const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "name":         {"type": "string"},
    "method":       {"type": "string"},
    "endpoint":     {"type": "string"},
    "path_params":  {"type": "object"},
    "query_params": {"type": "object"},
    "body_params":  {"type": "object"},
    "headers":      {"type": "object", "additionalProperties": {"type": "string"}},
    "category":     {"type": "string"},
    "risk_level":   {"type": "string"}
  }
}`

// Accepted spellings for the parameter maps.
var fieldAliases = map[string]string{
	"pathParams":   "path_params",
	"queryParams":  "query_params",
	"bodyParams":   "body_params",
	"retryPolicy":  "retry_policy",
	"riskLevel":    "risk_level",
	"api_endpoint": "endpoint",
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Validator turns raw, decoded JSON into a Descriptor.
// It is safe for concurrent use.
type Validator struct {
	schema       *jsonschema.Schema
	logger       *slog.Logger
	defaultRetry RetryPolicy
}

// NewValidator compiles the descriptor schema.
func NewValidator(logger *slog.Logger) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(descriptorSchemaURL, strings.NewReader(descriptorSchema)); err != nil {
		return nil, fmt.Errorf("adding descriptor schema: %w", err)
	}
	schema, err := c.Compile(descriptorSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling descriptor schema: %w", err)
	}
	return &Validator{schema: schema, logger: logger}, nil
}

// WithDefaultRetryPolicy sets the policy used for descriptors that declare none.
func (v *Validator) WithDefaultRetryPolicy(p RetryPolicy) *Validator {
	v.defaultRetry = p
	return v
}

// Validate checks a raw descriptor and returns a Descriptor ready to execute.
// Every {placeholder} in the endpoint must have a path parameter.
func (v *Validator) Validate(raw map[string]any) (*Descriptor, error) {
	d, err := v.ValidateTemplate(raw)
	if err != nil {
		return nil, err
	}
	if err := CheckPathParams(d); err != nil {
		return nil, err
	}
	return d, nil
}

// ValidateJSON decodes data and validates it.
func (v *Validator) ValidateJSON(data []byte) (*Descriptor, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Reason: "body is not a JSON object"}
	}
	return v.Validate(raw)
}

// ValidateTemplate checks structure only. Catalog entries are validated this
// way because their path parameters arrive with each request.
func (v *Validator) ValidateTemplate(raw map[string]any) (*Descriptor, error) {
	doc, err := normalize(raw)
	if err != nil {
		return nil, err
	}

	method, ok := doc["method"]
	if !ok || method == nil {
		return nil, &ValidationError{Field: "method", Reason: "is required"}
	}
	methodStr, ok := method.(string)
	if !ok {
		return nil, &ValidationError{Field: "method", Reason: "must be a string"}
	}
	if strings.TrimSpace(methodStr) == "" {
		return nil, &ValidationError{Field: "method", Reason: "is required"}
	}
	if !IsSupportedMethod(methodStr) {
		return nil, &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not supported", methodStr)}
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	d := &Descriptor{
		Name:        stringField(doc, "name"),
		Method:      strings.ToUpper(methodStr),
		Endpoint:    stringField(doc, "endpoint"),
		PathParams:  objectField(doc, "path_params"),
		QueryParams: objectField(doc, "query_params"),
		BodyParams:  objectField(doc, "body_params"),
		Headers:     headerField(doc),
		Category:    stringField(doc, "category"),
		RiskLevel:   security.ParseRiskLevel(stringField(doc, "risk_level")),
	}
	if d.Category == "" {
		d.Category = DefaultCategory
	}

	rawPolicy, declared := doc["retry_policy"]
	if !declared {
		d.RetryPolicy = v.defaultRetry
		return d, nil
	}
	policy, err := ParseRetryPolicy(rawPolicy)
	if err != nil {
		v.logger.Warn("malformed retry policy, retries disabled",
			slog.String("endpoint", d.Endpoint),
			slog.String("error", err.Error()),
		)
	}
	d.RetryPolicy = policy

	return d, nil
}

// CheckPathParams verifies every endpoint placeholder has a value.
func CheckPathParams(d *Descriptor) error {
	for _, m := range placeholderPattern.FindAllStringSubmatch(d.Endpoint, -1) {
		v, ok := d.PathParams[m[1]]
		if !ok || v == nil {
			return &ValidationError{Field: "path_params." + m[1], Reason: "is required by endpoint"}
		}
	}
	return nil
}

// normalize renames aliased keys, drops null parameter maps and round-trips
// the document through JSON so the schema sees plain JSON values.
func normalize(raw map[string]any) (map[string]any, error) {
	in := make(map[string]any, len(raw))
	for k, val := range raw {
		if alias, ok := fieldAliases[k]; ok {
			if _, exists := raw[alias]; exists {
				continue
			}
			k = alias
		}
		in[k] = val
	}
	for _, k := range []string{"path_params", "query_params", "body_params", "headers", "retry_policy"} {
		if val, ok := in[k]; ok && val == nil {
			delete(in, k)
		}
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, &ValidationError{Reason: "descriptor is not JSON encodable"}
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Reason: "descriptor is not a JSON object"}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// schemaError reduces a schema failure to the innermost cause.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(ve.InstanceLocation, "/"), "/", ".")
	return &ValidationError{Field: field, Reason: ve.Message}
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return strings.TrimSpace(s)
}

func objectField(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func headerField(doc map[string]any) map[string]string {
	m, ok := doc["headers"].(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k], _ = v.(string)
	}
	return out
}
