package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAction is returned when a catalog lookup misses.
var ErrUnknownAction = errors.New("unknown action")

// Entry is the declarative form of a named action, as written in config or
// stored in the database. RetryPolicy accepts any form ParseRetryPolicy does.
type Entry struct {
	Name        string            `json:"name" yaml:"name"`
	Method      string            `json:"method" yaml:"method"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	RetryPolicy any               `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	RiskLevel   string            `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// CatalogStore persists catalog entries.
type CatalogStore interface {
	Save(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// Catalog holds validated action templates by name.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]*Descriptor
	validator *Validator
}

// NewCatalog creates an empty catalog.
func NewCatalog(v *Validator) *Catalog {
	return &Catalog{
		entries:   make(map[string]*Descriptor),
		validator: v,
	}
}

// Register validates e and adds it, replacing any entry of the same name.
func (c *Catalog) Register(e Entry) error {
	if e.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	raw := map[string]any{
		"name":     e.Name,
		"method":   e.Method,
		"endpoint": e.Endpoint,
	}
	if e.Category != "" {
		raw["category"] = e.Category
	}
	if e.RiskLevel != "" {
		raw["risk_level"] = e.RiskLevel
	}
	if e.RetryPolicy != nil {
		raw["retry_policy"] = e.RetryPolicy
	}
	if len(e.Headers) > 0 {
		raw["headers"] = e.Headers
	}
	d, err := c.validator.ValidateTemplate(raw)
	if err != nil {
		return fmt.Errorf("catalog entry %q: %w", e.Name, err)
	}

	c.mu.Lock()
	c.entries[e.Name] = d
	c.mu.Unlock()
	return nil
}

// Get returns the template registered under name.
func (c *Catalog) Get(name string) (*Descriptor, error) {
	c.mu.RLock()
	d, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return d, nil
}

// List returns all templates sorted by name.
func (c *Catalog) List() []*Descriptor {
	c.mu.RLock()
	out := make([]*Descriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sync persists every registered entry and then registers stored entries
// that are not already known. Config entries win over stored ones.
func (c *Catalog) Sync(ctx context.Context, store CatalogStore) error {
	for _, d := range c.List() {
		if err := store.Save(ctx, entryFromDescriptor(d)); err != nil {
			return fmt.Errorf("saving catalog entry %q: %w", d.Name, err)
		}
	}
	stored, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog entries: %w", err)
	}
	for _, e := range stored {
		if _, err := c.Get(e.Name); err == nil {
			continue
		}
		if err := c.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func entryFromDescriptor(d *Descriptor) Entry {
	policy, _ := json.Marshal(d.RetryPolicy)
	return Entry{
		Name:        d.Name,
		Method:      d.Method,
		Endpoint:    d.Endpoint,
		Category:    d.Category,
		RetryPolicy: string(policy),
		RiskLevel:   d.RiskLevel.String(),
		Headers:     d.Headers,
	}
}
