package fulltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/kv"
)

func newTestEngine(t *testing.T) kv.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := kv.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestTokenizeLowercasesAndDropsStopwords(t *testing.T) {
	p := DefaultEnglishPipeline()
	toks := p.Tokenize("The Quick Brown Fox and the Lazy Dog")
	assert.NotContains(t, toks, "the")
	assert.NotContains(t, toks, "and")
	assert.Contains(t, toks, "quick")
}

func TestStemStripsCommonSuffixes(t *testing.T) {
	assert.Equal(t, "run", stemEnglish("running"))
	assert.Equal(t, "cat", stemEnglish("cats"))
}

func TestIndexAndSearchRanksByBM25(t *testing.T) {
	engine := newTestEngine(t)
	p := DefaultEnglishPipeline()

	docs := map[string]string{
		"d1": "the quick brown fox jumps",
		"d2": "quick quick quick fox runs fast",
		"d3": "a slow turtle walks",
	}
	var ops []kv.WriteOp
	for pk, text := range docs {
		toks := p.Tokenize(text)
		ops = append(ops, IndexOps("docs", "body", pk, toks)...)
	}
	require.NoError(t, engine.WriteBatch(ops))

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	results, err := Search(snap, "docs", "body", p, "quick fox", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// d2 repeats "quick" three times, should score at least as high as d1.
	assert.Equal(t, "d2", results[0].PK)
}

func TestSearchExcludesNonMatchingDocs(t *testing.T) {
	engine := newTestEngine(t)
	p := DefaultEnglishPipeline()

	ops := IndexOps("docs", "body", "d1", p.Tokenize("apples and oranges"))
	require.NoError(t, engine.WriteBatch(ops))

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	results, err := Search(snap, "docs", "body", p, "turtle", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRemoveOpsReversesIndexOps(t *testing.T) {
	engine := newTestEngine(t)
	p := DefaultEnglishPipeline()
	toks := p.Tokenize("quick fox")

	require.NoError(t, engine.WriteBatch(IndexOps("docs", "body", "d1", toks)))
	require.NoError(t, engine.WriteBatch(RemoveOps("docs", "body", "d1", toks)))

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	results, err := Search(snap, "docs", "body", p, "quick", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
