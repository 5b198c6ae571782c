package knowledge

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dvai-assistant/internal/domain"
)

//go:embed data/knowledge.yaml
var defaultKnowledge []byte

// Keyword is a trigger term and the weight it contributes to its entry.
type Keyword struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// Entry is one curated canned answer.
type Entry struct {
	ID        string          `yaml:"id"`
	Title     string          `yaml:"title"`
	Keywords  []Keyword       `yaml:"keywords"`
	Responses []string        `yaml:"responses"`
	Actions   []domain.Action `yaml:"actions,omitempty"`
	CTAs      []domain.CTA    `yaml:"ctas,omitempty"`
}

// Anchor multiplies the score of the listed entries when its phrase appears
// in the question.
type Anchor struct {
	Phrase  string   `yaml:"phrase"`
	Boost   float64  `yaml:"boost"`
	Entries []string `yaml:"entries"`
}

// Forbidden lists topics the assistant refuses to discuss.
type Forbidden struct {
	ID        string   `yaml:"id"`
	Terms     []string `yaml:"terms"`
	Responses []string `yaml:"responses"`
}

// GlossaryItem is a short definition answered directly.
type GlossaryItem struct {
	Term       string   `yaml:"term"`
	Aliases    []string `yaml:"aliases,omitempty"`
	Definition string   `yaml:"definition"`
}

// Base is the knowledge base file as loaded from YAML.
type Base struct {
	Version   string              `yaml:"version"`
	Tuning    Tuning              `yaml:"tuning"`
	Entries   []Entry             `yaml:"entries"`
	Synonyms  map[string][]string `yaml:"synonyms"`
	Anchors   []Anchor            `yaml:"anchors"`
	Forbidden Forbidden           `yaml:"forbidden"`
	Glossary  []GlossaryItem      `yaml:"glossary"`
	OffTopic  []string            `yaml:"offTopic"`
	Stopwords []string            `yaml:"stopwords"`
}

// Tuning holds the scoring knobs. They are product-tuned values, not derived
// ones; zero fields fall back to the defaults.
type Tuning struct {
	SynonymWeight      float64 `yaml:"synonymWeight"`
	WordWeight         float64 `yaml:"wordWeight"`
	NgramWeight        float64 `yaml:"ngramWeight"`
	PhraseFactor       float64 `yaml:"phraseFactor"`
	SubstringPenalty   float64 `yaml:"substringPenalty"`
	MinSubstringLength int     `yaml:"minSubstringLength"`
	FuzzyPenalty       float64 `yaml:"fuzzyPenalty"`
	FuzzyMinLength     int     `yaml:"fuzzyMinLength"`
	FuzzyMaxDistance   int     `yaml:"fuzzyMaxDistance"`
	MinScore           float64 `yaml:"minScore"`
	MinNgram           int     `yaml:"minNgram"`
	MaxNgram           int     `yaml:"maxNgram"`
}

// DefaultTuning returns the shipped scoring constants.
func DefaultTuning() Tuning {
	return Tuning{
		SynonymWeight:      0.7,
		WordWeight:         0.6,
		NgramWeight:        0.8,
		PhraseFactor:       0.75,
		SubstringPenalty:   0.5,
		MinSubstringLength: 4,
		FuzzyPenalty:       0.6,
		FuzzyMinLength:     4,
		FuzzyMaxDistance:   2,
		MinScore:           0.5,
		MinNgram:           2,
		MaxNgram:           4,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.SynonymWeight <= 0 {
		t.SynonymWeight = d.SynonymWeight
	}
	if t.WordWeight <= 0 {
		t.WordWeight = d.WordWeight
	}
	if t.NgramWeight <= 0 {
		t.NgramWeight = d.NgramWeight
	}
	if t.PhraseFactor <= 0 {
		t.PhraseFactor = d.PhraseFactor
	}
	if t.SubstringPenalty <= 0 {
		t.SubstringPenalty = d.SubstringPenalty
	}
	if t.MinSubstringLength <= 0 {
		t.MinSubstringLength = d.MinSubstringLength
	}
	if t.FuzzyPenalty <= 0 {
		t.FuzzyPenalty = d.FuzzyPenalty
	}
	if t.FuzzyMinLength <= 0 {
		t.FuzzyMinLength = d.FuzzyMinLength
	}
	if t.FuzzyMaxDistance <= 0 {
		t.FuzzyMaxDistance = d.FuzzyMaxDistance
	}
	if t.MinScore <= 0 {
		t.MinScore = d.MinScore
	}
	if t.MinNgram <= 1 {
		t.MinNgram = d.MinNgram
	}
	if t.MaxNgram < t.MinNgram {
		t.MaxNgram = d.MaxNgram
	}
	return t
}

// Parse decodes a knowledge base document. Unknown fields are rejected so a
// typo in the file fails at load time rather than silently dropping data.
func Parse(raw []byte) (*Base, error) {
	var b Base
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("knowledge: decode: %w", err)
	}
	if b.Version == "" {
		sum := sha256.Sum256(raw)
		b.Version = hex.EncodeToString(sum[:6])
	}
	return &b, nil
}

// LoadFile reads a knowledge base from path, or the embedded default when
// path is empty.
func LoadFile(path string) (*Base, error) {
	if path == "" {
		return Parse(defaultKnowledge)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Default returns the embedded knowledge base.
func Default() (*Base, error) {
	return Parse(defaultKnowledge)
}

func (b *Base) validate() error {
	if b == nil {
		return errors.New("knowledge: base must not be nil")
	}
	if len(b.Entries) == 0 {
		return errors.New("knowledge: no entries")
	}
	seen := make(map[string]struct{}, len(b.Entries))
	for i, e := range b.Entries {
		if e.ID == "" {
			return fmt.Errorf("knowledge: entry %d has no id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("knowledge: duplicate entry id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		if len(e.Responses) == 0 {
			return fmt.Errorf("knowledge: entry %q has no responses", e.ID)
		}
		if len(e.Keywords) == 0 {
			return fmt.Errorf("knowledge: entry %q has no keywords", e.ID)
		}
		for _, k := range e.Keywords {
			if Normalize(k.Term) == "" {
				return fmt.Errorf("knowledge: entry %q has an empty keyword", e.ID)
			}
			if k.Weight <= 0 {
				return fmt.Errorf("knowledge: entry %q keyword %q has non-positive weight", e.ID, k.Term)
			}
		}
	}
	for _, a := range b.Anchors {
		if Normalize(a.Phrase) == "" {
			return errors.New("knowledge: anchor with empty phrase")
		}
		if a.Boost <= 0 {
			return fmt.Errorf("knowledge: anchor %q has non-positive boost", a.Phrase)
		}
		for _, id := range a.Entries {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("knowledge: anchor %q references unknown entry %q", a.Phrase, id)
			}
		}
	}
	if len(b.Forbidden.Terms) > 0 && len(b.Forbidden.Responses) == 0 {
		return errors.New("knowledge: forbidden terms configured without a response")
	}
	for _, g := range b.Glossary {
		if Normalize(g.Term) == "" || g.Definition == "" {
			return fmt.Errorf("knowledge: glossary item %q is incomplete", g.Term)
		}
	}
	return nil
}
