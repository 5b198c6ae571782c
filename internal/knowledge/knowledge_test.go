package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvai-assistant/internal/cache"
)

func defaultIndex(t *testing.T) *Index {
	t.Helper()
	b, err := Default()
	require.NoError(t, err)
	idx, err := Build(b)
	require.NoError(t, err)
	return idx
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"O que é o DVAi$?":          "o que e o dvai",
		"  Segurança,   AUDITORIA ": "seguranca auditoria",
		"pool-de-liquidez":          "pool de liquidez",
		"":                          "",
		"?!...":                     "",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), in)
	}
}

func TestMatch_PlatformOverview(t *testing.T) {
	idx := defaultIndex(t)

	m, ok := idx.Match("o que é o DVAi$?")
	require.True(t, ok)
	require.Equal(t, "platform-overview", m.EntryID)
	require.Equal(t, KindKeyword, m.Kind)
	require.NotEmpty(t, m.Responses)
	require.NotEmpty(t, m.CTAs)
}

func TestMatch_Idempotent(t *testing.T) {
	idx := defaultIndex(t)
	questions := []string{
		"Como funciona?",
		"quanto custa usar a plataforma",
		"como conectar minha carteira metamask",
		"a plataforma é segura? tem auditoria?",
	}
	for _, q := range questions {
		first, ok := idx.Match(q)
		require.True(t, ok, q)
		for i := 0; i < 5; i++ {
			again, ok := idx.Match(q)
			require.True(t, ok)
			require.Equal(t, first.EntryID, again.EntryID, q)
		}
		rebuilt := defaultIndex(t)
		other, ok := rebuilt.Match(Normalize(q))
		require.True(t, ok)
		require.Equal(t, first.EntryID, other.EntryID, q)
	}
}

func TestMatch_ForbiddenShortCircuits(t *testing.T) {
	idx := defaultIndex(t)

	m, ok := idx.Match("Devo comprar o token DVAi$ agora? Qual a taxa?")
	require.True(t, ok)
	require.Equal(t, "forbidden-topic", m.EntryID)
	require.Equal(t, KindForbidden, m.Kind)
	require.NotEmpty(t, m.Responses)
}

func TestMatch_FuzzyMultiWordKeyword(t *testing.T) {
	idx := defaultIndex(t)

	exact, ok := idx.Match("conectar carteira")
	require.True(t, ok)
	require.Equal(t, "wallet", exact.EntryID)

	typo, ok := idx.Match("conectr cartera")
	require.True(t, ok)
	require.Equal(t, exact.EntryID, typo.EntryID)
	require.Equal(t, KindFuzzy, typo.Kind)
	require.Less(t, typo.Score, exact.Score)
}

func TestMatch_Synonym(t *testing.T) {
	idx := defaultIndex(t)

	m, ok := idx.Match("qual a tarifa?")
	require.True(t, ok)
	require.Equal(t, "fees", m.EntryID)
}

func TestMatch_Glossary(t *testing.T) {
	idx := defaultIndex(t)

	m, ok := idx.Match("O que é staking?")
	require.True(t, ok)
	require.Equal(t, "glossary:staking", m.EntryID)
	require.Equal(t, KindGlossary, m.Kind)

	alias, ok := idx.Match("what is a liquidity pool")
	require.True(t, ok)
	require.Equal(t, "glossary:pool de liquidez", alias.EntryID)
}

func TestMatch_NoMatch(t *testing.T) {
	idx := defaultIndex(t)

	for _, q := range []string{"", "   ", "?!", "xyzzy plugh"} {
		_, ok := idx.Match(q)
		require.False(t, ok, q)
	}
}

func TestMatch_TiesGoToFirstRegistered(t *testing.T) {
	b, err := Parse([]byte(`
entries:
  - id: first
    keywords: [{term: "suporte tecnico", weight: 5}]
    responses: ["a"]
  - id: second
    keywords: [{term: "suporte tecnico", weight: 5}]
    responses: ["b"]
`))
	require.NoError(t, err)
	idx, err := Build(b)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		m, ok := idx.Match("suporte tecnico")
		require.True(t, ok)
		require.Equal(t, "first", m.EntryID)
	}
}

func TestIsOffTopic(t *testing.T) {
	idx := defaultIndex(t)
	require.True(t, idx.IsOffTopic("Quem ganhou o jogo de futebol ontem?"))
	require.False(t, idx.IsOffTopic("como funciona a plataforma"))
}

func TestBuild_RejectsMalformedBase(t *testing.T) {
	cases := map[string]string{
		"no entries":                 `version: x`,
		"empty id":                   "entries:\n  - keywords: [{term: a, weight: 1}]\n    responses: [r]\n",
		"duplicate id":               "entries:\n  - id: a\n    keywords: [{term: a, weight: 1}]\n    responses: [r]\n  - id: a\n    keywords: [{term: b, weight: 1}]\n    responses: [r]\n",
		"no responses":               "entries:\n  - id: a\n    keywords: [{term: a, weight: 1}]\n",
		"zero weight":                "entries:\n  - id: a\n    keywords: [{term: a, weight: 0}]\n    responses: [r]\n",
		"blank keyword":              "entries:\n  - id: a\n    keywords: [{term: '$$', weight: 1}]\n    responses: [r]\n",
		"unknown anchor":             "entries:\n  - id: a\n    keywords: [{term: a, weight: 1}]\n    responses: [r]\nanchors:\n  - {phrase: x, boost: 2, entries: [b]}\n",
		"forbidden without response": "entries:\n  - id: a\n    keywords: [{term: a, weight: 1}]\n    responses: [r]\nforbidden:\n  terms: [x]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := Parse([]byte(raw))
			require.NoError(t, err)
			_, err = Build(b)
			require.Error(t, err)
		})
	}

	_, err := Parse([]byte("entries: []\nunknownField: 1\n"))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entries:
  - id: only
    keywords: [{term: "ola mundo", weight: 3}]
    responses: ["hi"]
`), 0o600))

	b, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, b.Version, 12)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	def, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "2026.10.1", def.Version)
}

type recordingCache struct {
	mu   sync.Mutex
	data map[string]Result
	sets int
}

func (c *recordingCache) Get(_ context.Context, key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.data[key]
	return r, ok
}

func (c *recordingCache) Set(_ context.Context, key string, v Result, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]Result)
	}
	c.data[key] = v
	c.sets++
}

func TestLookup_CachesNoMatch(t *testing.T) {
	rc := &recordingCache{}
	l, err := NewLookup(defaultIndex(t), rc, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for _, q := range []string{"", "xyzzy plugh"} {
		_, found, cached := l.Find(ctx, q)
		require.False(t, found)
		require.False(t, cached)

		r, ok := rc.Get(ctx, l.CacheKey(q))
		require.True(t, ok, q)
		require.False(t, r.Found)

		_, found, cached = l.Find(ctx, q)
		require.False(t, found)
		require.True(t, cached)
	}
	require.Equal(t, 2, rc.sets)
}

func TestLookup_WithDualTierCache(t *testing.T) {
	c := cache.New[Result](nil, cache.Config{Name: "kb", Capacity: 10})
	l, err := NewLookup(defaultIndex(t), c, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	m, found, cached := l.Find(ctx, "Como funciona?")
	require.True(t, found)
	require.False(t, cached)

	again, found, cached := l.Find(ctx, "como   FUNCIONA")
	require.True(t, found)
	require.True(t, cached)
	require.Equal(t, m.EntryID, again.EntryID)

	_, found, _ = l.Find(ctx, "xyzzy plugh")
	require.False(t, found)
	_, found, cached = l.Find(ctx, "xyzzy plugh")
	require.False(t, found)
	require.True(t, cached)
}

func TestLookup_SwapChangesCacheNamespace(t *testing.T) {
	l, err := NewLookup(defaultIndex(t), nil, 0)
	require.NoError(t, err)
	before := l.CacheKey("dvai")

	b, err := Parse([]byte("version: next\nentries:\n  - id: a\n    keywords: [{term: dvai, weight: 1}]\n    responses: [r]\n"))
	require.NoError(t, err)
	idx, err := Build(b)
	require.NoError(t, err)
	l.Swap(idx)

	require.NotEqual(t, before, l.CacheKey("dvai"))
	m, found, _ := l.Find(context.Background(), "dvai")
	require.True(t, found)
	require.Equal(t, "a", m.EntryID)

	_, err = NewLookup(nil, nil, 0)
	require.Error(t, err)
}
