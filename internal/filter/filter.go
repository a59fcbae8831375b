// Package filter detects sensitive substrings in free text and replaces them
// with reversible tokens.
//
// Categories are evaluated in declared order. Once a value has been replaced
// by an earlier category's token it can no longer match a later category, so
// overlapping rules (an account number that also looks like an ID card number)
// resolve to the first category. Detect does not apply this priority and
// reports overlaps under every category that matches.
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// tokenPattern matches anything shaped like a generated token. Matches that
// overlap such a span are skipped so incremental masking never rewrites tokens.
var tokenPattern = regexp.MustCompile(`<[A-Z0-9_]+_[0-9]+>`)

// Filter holds the compiled, read-only category list. It is safe for
// concurrent use; all per-request state lives in a Mapping.
type Filter struct {
	patterns []Pattern
}

// New compiles the given patterns in priority order.
func New(patterns []Pattern) (*Filter, error) {
	compiled, err := compile(patterns)
	if err != nil {
		return nil, err
	}
	return &Filter{patterns: compiled}, nil
}

// Default returns a filter over the built-in categories.
func Default() *Filter {
	f, err := New(DefaultPatterns())
	if err != nil {
		panic(fmt.Sprintf("filter: default patterns: %v", err))
	}
	return f
}

// Categories returns the category names in priority order.
func (f *Filter) Categories() []string {
	names := make([]string, len(f.patterns))
	for i, p := range f.patterns {
		names[i] = p.Name
	}
	return names
}

// Detect scans text independently against every category and returns the
// raw matches per category. Categories without matches are omitted.
func (f *Filter) Detect(text string) map[string][]string {
	found := make(map[string][]string)
	for _, p := range f.patterns {
		if matches := p.re.FindAllString(text, -1); len(matches) > 0 {
			found[p.Name] = matches
		}
	}
	return found
}

// Mask replaces every occurrence of each sensitive value in text with a token
// and records the substitution in m. A nil mapping starts a new one. Values
// already present in the mapping reuse their existing token, so repeated calls
// within one session accumulate into the same mapping.
func (f *Filter) Mask(text string, m *Mapping) (string, *Mapping) {
	if m == nil {
		m = NewMapping()
	}
	for _, p := range f.patterns {
		text = f.maskCategory(text, p, m)
	}
	return text, m
}

// maskCategory assigns tokens to the category's matches in order, then
// replaces every literal occurrence of each matched value, including ones the
// pattern itself would not match (e.g. inside a longer word). Existing token
// spans are left untouched.
func (f *Filter) maskCategory(text string, p Pattern, m *Mapping) string {
	spans := p.re.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return text
	}
	protected := tokenPattern.FindAllStringIndex(text, -1)

	var values []string
	seen := make(map[string]bool)
	for _, span := range spans {
		start, end := span[0], span[1]
		if start == end || overlapsAny(start, end, protected) {
			continue
		}
		value := text[start:end]
		if seen[value] {
			continue
		}
		seen[value] = true
		m.tokenFor(p.Name, value)
		values = append(values, value)
	}
	if len(values) == 0 {
		return text
	}

	// Longest first: the replacer prefers earlier pairs at the same position,
	// so a shorter value never splits a longer one.
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	pairs := make([]string, 0, 2*len(values))
	for _, v := range values {
		pairs = append(pairs, v, m.tokens[v])
	}
	return replaceOutside(text, protected, strings.NewReplacer(pairs...))
}

// replaceOutside applies r to the text between the given spans.
func replaceOutside(text string, spans [][]int, r *strings.Replacer) string {
	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(r.Replace(text[last:s[0]]))
		b.WriteString(text[s[0]:s[1]])
		last = s[1]
	}
	b.WriteString(r.Replace(text[last:]))
	return b.String()
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// Unmask replaces every token from m found in text with its original value.
// Tokens absent from the text are ignored.
func (f *Filter) Unmask(text string, m *Mapping) string {
	return m.Restore(text)
}

// Mapping is the token to original-value association produced by masking.
// A mapping belongs to one pipeline run and is not safe for concurrent use.
type Mapping struct {
	originals map[string]string // token -> original
	tokens    map[string]string // original -> token
	order     []string          // tokens in creation order
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{
		originals: make(map[string]string),
		tokens:    make(map[string]string),
	}
}

// Len returns the number of recorded substitutions.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Original returns the value a token replaced.
func (m *Mapping) Original(token string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.originals[token]
	return v, ok
}

// Token returns the token assigned to an original value.
func (m *Mapping) Token(original string) (string, bool) {
	if m == nil {
		return "", false
	}
	t, ok := m.tokens[original]
	return t, ok
}

// Tokens returns all tokens in creation order.
func (m *Mapping) Tokens() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.order...)
}

// Restore replaces all tokens in text with their original values.
func (m *Mapping) Restore(text string) string {
	if m.Len() == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(m.order))
	for _, token := range m.order {
		pairs = append(pairs, token, m.originals[token])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func (m *Mapping) tokenFor(category, value string) string {
	if token, ok := m.tokens[value]; ok {
		return token
	}
	token := "<" + strings.ToUpper(category) + "_" + strconv.Itoa(len(m.order)+1) + ">"
	m.originals[token] = value
	m.tokens[value] = token
	m.order = append(m.order, token)
	return token
}

// MarshalJSON encodes the mapping as a token -> original object.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.originals)
}

// UnmarshalJSON decodes a token -> original object. Creation order is
// recovered from the ordinal suffix of each token.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fresh := NewMapping()
	for token, original := range raw {
		if !tokenPattern.MatchString(token) {
			return fmt.Errorf("invalid token %q", token)
		}
		fresh.originals[token] = original
		fresh.tokens[original] = token
		fresh.order = append(fresh.order, token)
	}
	sort.Slice(fresh.order, func(i, j int) bool {
		return tokenOrdinal(fresh.order[i]) < tokenOrdinal(fresh.order[j])
	})
	*m = *fresh
	return nil
}

func tokenOrdinal(token string) int {
	trimmed := strings.TrimSuffix(token, ">")
	idx := strings.LastIndexByte(trimmed, '_')
	n, _ := strconv.Atoi(trimmed[idx+1:])
	return n
}
