package knowledge

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"dvai-assistant/internal/domain"
)

// Kind tells how a Match was produced.
type Kind string

const (
	KindKeyword   Kind = "keyword"
	KindFuzzy     Kind = "fuzzy"
	KindGlossary  Kind = "glossary"
	KindForbidden Kind = "forbidden"
)

// Match is the result of resolving a question against the index.
type Match struct {
	EntryID   string          `json:"entryId"`
	Title     string          `json:"title,omitempty"`
	Responses []string        `json:"responses"`
	Actions   []domain.Action `json:"actions"`
	CTAs      []domain.CTA    `json:"ctas"`
	Kind      Kind            `json:"kind"`
	Score     float64         `json:"score"`
}

// Answer converts m into the client-facing shape.
func (m Match) Answer() domain.KnowledgeAnswer {
	return domain.KnowledgeAnswer{
		EntryID:   m.EntryID,
		Responses: nonNil(m.Responses),
		Actions:   nonNil(m.Actions),
		CTAs:      nonNil(m.CTAs),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var definitionPrefixes = []string{
	"o que significa", "o que sao", "o que e", "qual o significado de", "significado de",
	"definicao de", "defina", "what does", "what are", "what is", "define", "meaning of",
}

var leadingArticles = map[string]struct{}{
	"o": {}, "a": {}, "os": {}, "as": {}, "um": {}, "uma": {}, "the": {}, "an": {},
}

// Match resolves question to the best entry. The forbidden-topic check and
// the glossary lookup run first and short-circuit scoring.
func (idx *Index) Match(question string) (Match, bool) {
	q := Normalize(question)
	if q == "" {
		return Match{}, false
	}
	if m, ok := idx.matchForbidden(q); ok {
		return m, true
	}
	if m, ok := idx.matchGlossary(q); ok {
		return m, true
	}

	scores, kind := idx.score(q)
	if len(scores) == 0 {
		return Match{}, false
	}
	idx.applyAnchors(q, scores)

	best, bestScore := "", 0.0
	for id, s := range scores {
		if s > bestScore || (s == bestScore && best != "" && idx.order[id] < idx.order[best]) {
			best, bestScore = id, s
		}
	}
	if best == "" || bestScore < idx.tuning.MinScore {
		return Match{}, false
	}
	e := idx.entries[idx.order[best]]
	return Match{
		EntryID:   e.ID,
		Title:     e.Title,
		Responses: append([]string(nil), e.Responses...),
		Actions:   append([]domain.Action(nil), e.Actions...),
		CTAs:      append([]domain.CTA(nil), e.CTAs...),
		Kind:      kind,
		Score:     bestScore,
	}, true
}

// IsOffTopic reports whether the question mentions a configured off-topic
// subject.
func (idx *Index) IsOffTopic(question string) bool {
	q := Normalize(question)
	for _, term := range idx.offTopic {
		if containsPhrase(q, term) {
			return true
		}
	}
	return false
}

func (idx *Index) matchForbidden(q string) (Match, bool) {
	for _, term := range idx.forbidTerms {
		if containsPhrase(q, term) {
			return Match{
				EntryID:   idx.forbidden.ID,
				Responses: append([]string(nil), idx.forbidden.Responses...),
				Kind:      KindForbidden,
			}, true
		}
	}
	return Match{}, false
}

func (idx *Index) matchGlossary(q string) (Match, bool) {
	if len(idx.glossary) == 0 {
		return Match{}, false
	}
	rest := q
	for _, p := range definitionPrefixes {
		if rest == p {
			return Match{}, false
		}
		if strings.HasPrefix(rest, p+" ") {
			rest = strings.TrimPrefix(rest, p+" ")
			break
		}
	}
	words := strings.Fields(rest)
	for len(words) > 1 {
		if _, ok := leadingArticles[words[0]]; !ok {
			break
		}
		words = words[1:]
	}
	item, ok := idx.glossary[strings.Join(words, " ")]
	if !ok {
		return Match{}, false
	}
	return Match{
		EntryID:   "glossary:" + Normalize(item.term),
		Title:     item.term,
		Responses: []string{item.definition},
		Kind:      KindGlossary,
	}, true
}

func (idx *Index) sizeMultiplier(n int) float64 {
	return 1 + float64(n-1)*idx.tuning.PhraseFactor
}

// score accumulates entry scores for q. Longer phrases are tried first and
// the words they cover are not scored again.
func (idx *Index) score(q string) (map[string]float64, Kind) {
	words := strings.Fields(q)
	terms := phrases(words, 1, idx.tuning.MaxNgram)
	covered := make([]bool, len(words))
	scores := make(map[string]float64)

	isCovered := func(p phrase) bool {
		for i := p.start; i < p.start+p.size; i++ {
			if !covered[i] {
				return false
			}
		}
		return true
	}
	cover := func(p phrase) {
		for i := p.start; i < p.start+p.size; i++ {
			covered[i] = true
		}
	}

	hit := false
	for _, p := range terms {
		if isCovered(p) {
			continue
		}
		if p.size == 1 && idx.stopwords.has(p.text) {
			continue
		}
		weights, ok := idx.terms[p.text]
		if !ok {
			continue
		}
		mult := idx.sizeMultiplier(p.size)
		for id, w := range weights {
			scores[id] += w * mult
		}
		cover(p)
		hit = true
	}

	for i, w := range words {
		if covered[i] || idx.stopwords.has(w) || runeLen(w) < idx.tuning.MinSubstringLength {
			continue
		}
		best := make(map[string]float64)
		for _, term := range idx.words {
			if term == w || !strings.Contains(term, w) {
				continue
			}
			for id, weight := range idx.terms[term] {
				if weight > best[id] {
					best[id] = weight
				}
			}
		}
		for id, weight := range best {
			scores[id] += weight * idx.tuning.SubstringPenalty
			hit = true
		}
	}
	if hit {
		return scores, KindKeyword
	}

	idx.scoreFuzzy(terms, isCovered, cover, scores)
	return scores, KindFuzzy
}

func (idx *Index) fuzzyThreshold(term string) int {
	if runeLen(term) < idx.tuning.FuzzyMinLength {
		return 0
	}
	return idx.tuning.FuzzyMaxDistance
}

func (idx *Index) scoreFuzzy(terms []phrase, isCovered func(phrase) bool, cover func(phrase), scores map[string]float64) {
	for _, p := range terms {
		if isCovered(p) {
			continue
		}
		limit := idx.fuzzyThreshold(p.text)
		if limit == 0 {
			continue
		}
		qLen := runeLen(p.text)
		best := make(map[string]float64)
		for term, weights := range idx.terms {
			tLen := runeLen(term)
			if abs(tLen-qLen) > limit || idx.fuzzyThreshold(term) == 0 {
				continue
			}
			d := levenshtein.ComputeDistance(p.text, term)
			if d == 0 || d > limit {
				continue
			}
			similarity := 1 - float64(d)/float64(max(qLen, tLen))
			for id, w := range weights {
				if s := w * similarity; s > best[id] {
					best[id] = s
				}
			}
		}
		if len(best) == 0 {
			continue
		}
		mult := idx.sizeMultiplier(p.size) * idx.tuning.FuzzyPenalty
		for id, s := range best {
			scores[id] += s * mult
		}
		cover(p)
	}
}

func (idx *Index) applyAnchors(q string, scores map[string]float64) {
	for _, a := range idx.anchors {
		if !containsPhrase(q, a.Phrase) {
			continue
		}
		for _, id := range a.Entries {
			if s, ok := scores[id]; ok && s > 0 {
				scores[id] = s * a.Boost
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
