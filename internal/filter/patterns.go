package filter

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// Pattern is a named category of sensitive data and the rule that matches it.
type Pattern struct {
	Name  string `yaml:"name" json:"name"`
	Regex string `yaml:"regex" json:"regex"`

	re *regexp.Regexp
}

// patternFile is the on-disk layout of a pattern configuration file.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// DefaultPatterns returns the built-in category list in priority order.
func DefaultPatterns() []Pattern {
	patterns, err := parsePatterns(defaultPatternsYAML)
	if err != nil {
		// The embedded file is part of the build; a parse failure is a programming error.
		panic(fmt.Sprintf("filter: embedded patterns: %v", err))
	}
	return patterns
}

// LoadPatterns reads a YAML pattern file. An empty path returns the defaults.
func LoadPatterns(path string) ([]Pattern, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patterns %s: %w", path, err)
	}
	patterns, err := parsePatterns(data)
	if err != nil {
		return nil, fmt.Errorf("parsing patterns %s: %w", path, err)
	}
	return patterns, nil
}

func parsePatterns(data []byte) ([]Pattern, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Patterns) == 0 {
		return nil, fmt.Errorf("no patterns defined")
	}
	return f.Patterns, nil
}

// compile validates names and compiles every regex.
func compile(patterns []Pattern) ([]Pattern, error) {
	out := make([]Pattern, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for i, p := range patterns {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("patterns[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("patterns[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if p.Regex == "" {
			return nil, fmt.Errorf("patterns[%d] (%q): regex is required", i, name)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] (%q): %w", i, name, err)
		}
		out = append(out, Pattern{Name: name, Regex: p.Regex, re: re})
	}
	return out, nil
}
