// Package intent estimates what a user is trying to do from a short message
// and the recent classifications of the same session.
package intent

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"dvai-assistant/internal/knowledge"
)

// Category is an intent label.
type Category string

// Unknown is returned when no pattern matched.
const Unknown Category = "unknown"

// Config holds the scoring knobs.
type Config struct {
	// NormalizationExponent divides a category score by patternCount^exp.
	NormalizationExponent float64
	FuzzyPenalty          float64
	FuzzyMaxDistance      int
	FuzzyMinLength        int
	// TieThreshold is the relative score gap under which two categories are
	// resolved by priority instead of score.
	TieThreshold   float64
	BaseConfidence float64
	GapWeight      float64
	PriorityBoost  float64
	OverlapPenalty float64
	RepeatPenalty  float64
	// DampenFactor scales a category seen in the last classification;
	// FollowBoost scales categories that follow it.
	DampenFactor  float64
	FollowBoost   float64
	HistorySize   int
	HistoryWindow time.Duration
	MultiIntent   bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NormalizationExponent: 0.5,
		FuzzyPenalty:          0.5,
		FuzzyMaxDistance:      1,
		FuzzyMinLength:        4,
		TieThreshold:          0.15,
		BaseConfidence:        0.5,
		GapWeight:             0.4,
		PriorityBoost:         0.05,
		OverlapPenalty:        0.15,
		RepeatPenalty:         0.1,
		DampenFactor:          0.8,
		FollowBoost:           1.2,
		HistorySize:           10,
		HistoryWindow:         5 * time.Minute,
		MultiIntent:           true,
	}
}

// Scored is a category with its final score.
type Scored struct {
	Category Category `json:"category"`
	Score    float64  `json:"score"`
}

// Result is a classification.
type Result struct {
	Primary    Category   `json:"primary"`
	Confidence float64    `json:"confidence"`
	Secondary  []Category `json:"secondary,omitempty"`
	Ranked     []Scored   `json:"ranked,omitempty"`
}

type seen struct {
	category Category
	at       time.Time
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg         Config
	patterns    map[Category]CategorySpec
	maxPriority int
	now         func() time.Time

	mu      sync.Mutex
	history map[string][]seen
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New creates a Classifier over p.
func New(p *Patterns, cfg Config, opts ...Option) (*Classifier, error) {
	if p == nil || len(p.Categories) == 0 {
		return nil, errors.New("intent: patterns must not be empty")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1
	}
	c := &Classifier{
		cfg:      cfg,
		patterns: p.Categories,
		now:      time.Now,
		history:  make(map[string][]seen),
	}
	for _, spec := range p.Categories {
		if spec.Priority > c.maxPriority {
			c.maxPriority = spec.Priority
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func containsWords(text, needle string) bool {
	return strings.Contains(" "+text+" ", " "+needle+" ")
}

func (c *Classifier) fuzzyHit(words []string, pattern string) bool {
	if strings.Contains(pattern, " ") || len([]rune(pattern)) < c.cfg.FuzzyMinLength || c.cfg.FuzzyMaxDistance <= 0 {
		return false
	}
	for _, w := range words {
		if len([]rune(w)) < c.cfg.FuzzyMinLength {
			continue
		}
		if levenshtein.ComputeDistance(w, pattern) <= c.cfg.FuzzyMaxDistance {
			return true
		}
	}
	return false
}

// Scores returns the raw normalized score of every category with a nonzero
// score, without history adjustments.
func (c *Classifier) Scores(text string) map[Category]float64 {
	norm := knowledge.Normalize(text)
	out := make(map[Category]float64)
	if norm == "" {
		return out
	}
	words := strings.Fields(norm)
	for name, spec := range c.patterns {
		var sum float64
		for _, p := range spec.Patterns {
			switch {
			case containsWords(norm, p.Text):
				sum += p.Weight
			case c.fuzzyHit(words, p.Text):
				sum += p.Weight * c.cfg.FuzzyPenalty
			}
		}
		if sum > 0 {
			out[name] = sum / math.Pow(float64(len(spec.Patterns)), c.cfg.NormalizationExponent)
		}
	}
	return out
}

// recent returns the history of session inside the window, oldest first.
func (c *Classifier) recent(session string, now time.Time) []seen {
	var out []seen
	for _, s := range c.history[session] {
		if now.Sub(s.at) <= c.cfg.HistoryWindow {
			out = append(out, s)
		}
	}
	return out
}

func (c *Classifier) priority(cat Category) int { return c.patterns[cat].Priority }

func (c *Classifier) follows(prev, next Category) bool {
	for _, f := range c.patterns[prev].Follows {
		if f == next {
			return true
		}
	}
	return false
}

// Classify labels text for session and records the outcome in the session
// history. An empty session classifies without history.
func (c *Classifier) Classify(session, text string) Result {
	scores := c.Scores(text)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var hist []seen
	if session != "" {
		hist = c.recent(session, now)
	}
	if len(hist) > 0 {
		last := hist[len(hist)-1].category
		for cat, s := range scores {
			switch {
			case cat == last:
				scores[cat] = s * c.cfg.DampenFactor
			case c.follows(last, cat):
				scores[cat] = s * c.cfg.FollowBoost
			}
		}
	}

	ranked := make([]Scored, 0, len(scores))
	for cat, s := range scores {
		ranked = append(ranked, Scored{Category: cat, Score: s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if pi, pj := c.priority(ranked[i].Category), c.priority(ranked[j].Category); pi != pj {
			return pi > pj
		}
		return ranked[i].Category < ranked[j].Category
	})
	if len(ranked) == 0 {
		return Result{Primary: Unknown}
	}

	best := ranked[0].Score
	primary := ranked[0]
	tied := false
	if c.cfg.MultiIntent {
		for _, r := range ranked[1:] {
			if (best-r.Score)/best >= c.cfg.TieThreshold {
				break
			}
			tied = true
			if c.priority(r.Category) > c.priority(primary.Category) {
				primary = r
			}
		}
	}

	var runnerUp float64
	for _, r := range ranked {
		if r.Category != primary.Category {
			runnerUp = r.Score
			break
		}
	}
	gap := math.Abs(primary.Score-runnerUp) / math.Max(primary.Score, runnerUp)

	conf := c.cfg.BaseConfidence + c.cfg.GapWeight*gap
	if c.maxPriority > 0 {
		conf += c.cfg.PriorityBoost * float64(c.priority(primary.Category)) / float64(c.maxPriority)
	}
	if tied {
		conf -= c.cfg.OverlapPenalty
	}
	for _, s := range hist {
		if s.category == primary.Category {
			conf -= c.cfg.RepeatPenalty
		}
	}
	conf = math.Max(0, math.Min(1, conf))

	res := Result{Primary: primary.Category, Confidence: conf}
	if c.cfg.MultiIntent {
		res.Ranked = ranked
		for _, r := range ranked {
			if r.Category != primary.Category {
				res.Secondary = append(res.Secondary, r.Category)
			}
		}
	}

	if session != "" {
		h := append(c.history[session], seen{category: primary.Category, at: now})
		if len(h) > c.cfg.HistorySize {
			h = h[len(h)-c.cfg.HistorySize:]
		}
		c.history[session] = h
	}
	return res
}

// Reset clears all session history.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = make(map[string][]seen)
}

// Sweep drops sessions with no classification inside the history window and
// returns how many were removed.
func (c *Classifier) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for session, h := range c.history {
		if len(h) == 0 || now.Sub(h[len(h)-1].at) > c.cfg.HistoryWindow {
			delete(c.history, session)
			n++
		}
	}
	return n
}
