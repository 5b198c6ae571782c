package knowledge

import (
	"strings"
	"unicode/utf8"
)

type glossaryEntry struct {
	term       string
	definition string
}

// Index is the immutable inverted index built from a Base. It is safe for
// concurrent use; a reload builds a new Index instead of patching this one.
type Index struct {
	version string
	tuning  Tuning

	entries []Entry
	order   map[string]int

	// terms maps a normalized term to the max weight it gives each entry.
	terms map[string]map[string]float64
	// words lists the single-word terms for substring matching.
	words []string

	synonyms    map[string][]string
	anchors     []Anchor
	forbidden   Forbidden
	forbidTerms []string
	glossary    map[string]glossaryEntry
	offTopic    []string
	stopwords   stopwordSet
}

// Build validates b and indexes every keyword, its synonyms, its words and
// its n-grams.
func Build(b *Base) (*Index, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	t := b.Tuning.withDefaults()
	idx := &Index{
		version:   b.Version,
		tuning:    t,
		entries:   append([]Entry(nil), b.Entries...),
		order:     make(map[string]int, len(b.Entries)),
		terms:     make(map[string]map[string]float64),
		synonyms:  normalizeSynonyms(b.Synonyms),
		forbidden: b.Forbidden,
		glossary:  make(map[string]glossaryEntry),
		stopwords: newStopwordSet(b.Stopwords),
	}
	if idx.forbidden.ID == "" {
		idx.forbidden.ID = "forbidden-topic"
	}
	for _, a := range b.Anchors {
		a.Phrase = Normalize(a.Phrase)
		idx.anchors = append(idx.anchors, a)
	}
	for _, term := range b.Forbidden.Terms {
		if n := Normalize(term); n != "" {
			idx.forbidTerms = append(idx.forbidTerms, n)
		}
	}
	for _, g := range b.Glossary {
		item := glossaryEntry{term: g.Term, definition: g.Definition}
		idx.glossary[Normalize(g.Term)] = item
		for _, alias := range g.Aliases {
			if n := Normalize(alias); n != "" {
				idx.glossary[n] = item
			}
		}
	}
	for _, term := range b.OffTopic {
		if n := Normalize(term); n != "" {
			idx.offTopic = append(idx.offTopic, n)
		}
	}

	for i, e := range idx.entries {
		idx.order[e.ID] = i
		for _, k := range e.Keywords {
			term := Normalize(k.Term)
			idx.indexTerm(e.ID, term, k.Weight)
			for _, syn := range idx.expand(term) {
				idx.indexTerm(e.ID, syn, k.Weight*t.SynonymWeight)
			}
		}
	}

	seenWord := make(map[string]struct{})
	for term := range idx.terms {
		if strings.Contains(term, " ") {
			continue
		}
		if _, ok := seenWord[term]; ok {
			continue
		}
		seenWord[term] = struct{}{}
		idx.words = append(idx.words, term)
	}
	return idx, nil
}

func normalizeSynonyms(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		key := Normalize(k)
		if key == "" {
			continue
		}
		for _, v := range vs {
			if n := Normalize(v); n != "" && n != key {
				out[key] = append(out[key], n)
			}
		}
	}
	return out
}

// expand returns synonym variants of term: whole-term synonyms plus the term
// with each word swapped for its synonyms.
func (idx *Index) expand(term string) []string {
	var out []string
	seen := map[string]struct{}{term: {}}
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, syn := range idx.synonyms[term] {
		add(syn)
	}
	words := strings.Fields(term)
	if len(words) < 2 {
		return out
	}
	for i, w := range words {
		for _, syn := range idx.synonyms[w] {
			variant := append([]string(nil), words...)
			variant[i] = syn
			add(strings.Join(variant, " "))
		}
	}
	return out
}

func (idx *Index) indexTerm(entryID, term string, weight float64) {
	if term == "" {
		return
	}
	idx.put(term, entryID, weight)
	words := strings.Fields(term)
	if len(words) < 2 {
		return
	}
	for _, w := range words {
		if idx.stopwords.has(w) {
			continue
		}
		idx.put(w, entryID, weight*idx.tuning.WordWeight)
	}
	for _, p := range phrases(words, idx.tuning.MinNgram, idx.tuning.MaxNgram) {
		if p.size == len(words) {
			continue
		}
		idx.put(p.text, entryID, weight*idx.tuning.NgramWeight)
	}
}

func (idx *Index) put(term, entryID string, weight float64) {
	m, ok := idx.terms[term]
	if !ok {
		m = make(map[string]float64)
		idx.terms[term] = m
	}
	if weight > m[entryID] {
		m[entryID] = weight
	}
}

// Version identifies the knowledge base the index was built from.
func (idx *Index) Version() string { return idx.version }

// Tuning returns the effective scoring constants.
func (idx *Index) Tuning() Tuning { return idx.tuning }

// Entries returns the indexed entries in registration order.
func (idx *Index) Entries() []Entry {
	return append([]Entry(nil), idx.entries...)
}

// TermCount is the number of distinct indexed terms.
func (idx *Index) TermCount() int { return len(idx.terms) }

// Lookup returns the entry weights recorded for a normalized term.
func (idx *Index) Lookup(term string) map[string]float64 {
	src := idx.terms[term]
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
