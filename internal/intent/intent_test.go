package intent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T, now *time.Time) *Classifier {
	t.Helper()
	p, err := DefaultPatterns()
	require.NoError(t, err)
	c, err := New(p, DefaultConfig(), WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return c
}

func TestClassify_Greeting(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	res := c.Classify("s1", "Bom dia!")
	require.Equal(t, Category("greeting"), res.Primary)
	require.Greater(t, res.Confidence, 0.7)
	require.Empty(t, res.Secondary)
}

func TestClassify_MultiIntentResolvesTieByPriority(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	res := c.Classify("s1", "bom dia, tchau")
	require.Equal(t, Category("greeting"), res.Primary)
	require.Contains(t, res.Secondary, Category("farewell"))
	require.Len(t, res.Ranked, 2)
}

func TestClassify_RepeatLowersConfidence(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	first := c.Classify("s1", "bom dia")
	now = now.Add(10 * time.Second)
	second := c.Classify("s1", "bom dia")

	require.Equal(t, first.Primary, second.Primary)
	require.Less(t, second.Confidence, first.Confidence)
}

func TestClassify_RepeatOutsideWindowIsForgotten(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	first := c.Classify("s1", "bom dia")
	now = now.Add(10 * time.Minute)
	second := c.Classify("s1", "bom dia")
	require.Equal(t, first.Confidence, second.Confidence)
}

func TestClassify_DeterministicAfterReset(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	inputs := []string{"oi", "quanto custa a taxa?", "obrigado", "tchau"}
	run := func() []Result {
		var out []Result
		for _, in := range inputs {
			out = append(out, c.Classify("s1", in))
		}
		return out
	}
	first := run()
	c.Reset()
	require.Equal(t, first, run())
}

func TestClassify_SessionsDoNotShareHistory(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	a := c.Classify("a", "bom dia")
	b := c.Classify("b", "bom dia")
	require.Equal(t, a.Confidence, b.Confidence)
}

func TestClassify_FollowUpBoost(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	raw := c.Scores("preciso de ajuda")
	c.Classify("s1", "oi")
	res := c.Classify("s1", "preciso de ajuda")
	require.Equal(t, Category("help"), res.Primary)
	require.Greater(t, res.Ranked[0].Score, raw["help"])
}

func TestClassify_FuzzyMatchIsPenalized(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	exact := c.Scores("obrigado")
	typo := c.Scores("obrigadu")
	require.Contains(t, typo, Category("thanks"))
	require.Less(t, typo["thanks"], exact["thanks"])
}

func TestClassify_Unknown(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	res := c.Classify("s1", "xyzzy plugh")
	require.Equal(t, Unknown, res.Primary)
	require.Zero(t, res.Confidence)
	require.Zero(t, c.Sweep())
}

func TestSweep_DropsIdleSessions(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClassifier(t, &now)

	c.Classify("a", "oi")
	c.Classify("b", "oi")
	now = now.Add(6 * time.Minute)
	c.Classify("b", "tchau")

	require.Equal(t, 1, c.Sweep())
}

func TestParsePatterns_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":          "categories: {}",
		"no patterns":    "categories:\n  greeting:\n    patterns: []\n",
		"zero weight":    "categories:\n  greeting:\n    patterns:\n      - {text: oi, weight: 0}\n",
		"blank pattern":  "categories:\n  greeting:\n    patterns:\n      - {text: '!!', weight: 1}\n",
		"unknown follow": "categories:\n  greeting:\n    follows: [nope]\n    patterns:\n      - {text: oi, weight: 1}\n",
		"unknown field":  "categories:\n  greeting:\n    color: red\n    patterns:\n      - {text: oi, weight: 1}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePatterns([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadPatternsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  greeting:\n    patterns:\n      - {text: oi, weight: 1}\n"), 0o600))

	p, err := LoadPatternsFile(path)
	require.NoError(t, err)
	c, err := New(p, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, Category("greeting"), c.Classify("s", "oi").Primary)

	_, err = LoadPatternsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadPatternsFile("")
	require.NoError(t, err)
}
