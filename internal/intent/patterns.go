package intent

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dvai-assistant/internal/knowledge"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Pattern is one weighted trigger phrase.
type Pattern struct {
	Text   string  `yaml:"text"`
	Weight float64 `yaml:"weight"`
}

// CategorySpec holds the patterns of one category, its tie-break priority and
// the categories that typically come after it.
type CategorySpec struct {
	Priority int        `yaml:"priority"`
	Follows  []Category `yaml:"follows"`
	Patterns []Pattern  `yaml:"patterns"`
}

// Patterns is the full pattern table.
type Patterns struct {
	Categories map[Category]CategorySpec `yaml:"categories"`
}

// ParsePatterns decodes and validates a pattern table. Pattern texts are
// normalized the same way questions are.
func ParsePatterns(raw []byte) (*Patterns, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var p Patterns
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("intent: decode patterns: %w", err)
	}
	if len(p.Categories) == 0 {
		return nil, errors.New("intent: no categories defined")
	}
	for name, spec := range p.Categories {
		if name == "" || name == Unknown {
			return nil, fmt.Errorf("intent: invalid category name %q", name)
		}
		if len(spec.Patterns) == 0 {
			return nil, fmt.Errorf("intent: category %q has no patterns", name)
		}
		for i, pat := range spec.Patterns {
			norm := knowledge.Normalize(pat.Text)
			if norm == "" {
				return nil, fmt.Errorf("intent: category %q pattern %d is empty", name, i)
			}
			if pat.Weight <= 0 {
				return nil, fmt.Errorf("intent: category %q pattern %q has non-positive weight", name, pat.Text)
			}
			spec.Patterns[i].Text = norm
		}
		for _, f := range spec.Follows {
			if _, ok := p.Categories[f]; !ok {
				return nil, fmt.Errorf("intent: category %q follows unknown category %q", name, f)
			}
		}
	}
	return &p, nil
}

// DefaultPatterns returns the embedded pattern table.
func DefaultPatterns() (*Patterns, error) {
	return ParsePatterns(defaultPatterns)
}

// LoadPatternsFile reads a pattern table from path, or the embedded default
// when path is empty.
func LoadPatternsFile(path string) (*Patterns, error) {
	if path == "" {
		return DefaultPatterns()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intent: read %s: %w", path, err)
	}
	return ParsePatterns(raw)
}
