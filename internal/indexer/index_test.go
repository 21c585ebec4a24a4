package indexer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeNormalizes(t *testing.T) {
	tokens := Tokenize("The Quick, brown FOX! jumps-over a 42nd fence.")
	require.Equal(t, []string{"the", "quick", "brown", "fox", "jumps", "over", "42nd", "fence"}, tokens)
}

func TestAddDocumentRecordsPositions(t *testing.T) {
	idx := NewIndex()
	idx.AddDocument(Document{URL: "http://example.com/a", Text: "widgets ship widgets"})

	require.Equal(t, []int{0, 2}, idx.Positions("widgets", "http://example.com/a"))
	require.Equal(t, []int{1}, idx.Positions("ship", "http://example.com/a"))
	require.Empty(t, idx.Positions("missing", "http://example.com/a"))
}

func TestReindexingReplacesPriorPostings(t *testing.T) {
	idx := NewIndex()
	url := "http://example.com/page"
	idx.AddDocument(Document{URL: url, Title: "old", Text: "alpha beta alpha"})
	idx.AddDocument(Document{URL: url, Title: "new", Text: "gamma delta"})

	require.Equal(t, 1, idx.DocCount())
	require.Empty(t, idx.Positions("alpha", url), "old postings are gone")
	require.Equal(t, []int{0}, idx.Positions("gamma", url))

	results := idx.Search("alpha", ModeOr)
	require.Empty(t, results)
	results = idx.Search("gamma", ModeOr)
	require.Len(t, results, 1)
	require.Equal(t, "new", results[0].Title)
}

func TestSearchBooleanModes(t *testing.T) {
	idx := NewIndex()
	idx.AddDocument(Document{URL: "http://example.com/1", Text: "apples and oranges"})
	idx.AddDocument(Document{URL: "http://example.com/2", Text: "apples only here"})
	idx.AddDocument(Document{URL: "http://example.com/3", Text: "oranges only here"})

	or := idx.Search("apples oranges", ModeOr)
	require.Len(t, or, 3)

	and := idx.Search("apples oranges", ModeAnd)
	require.Len(t, and, 1)
	require.Equal(t, "http://example.com/1", and[0].URL)
}

func TestSearchRanksHigherTermFrequencyFirst(t *testing.T) {
	idx := NewIndex()
	idx.AddDocument(Document{URL: "http://example.com/dense", Text: "widget widget widget"})
	idx.AddDocument(Document{URL: "http://example.com/sparse", Text: "widget filler filler filler filler filler"})

	results := idx.Search("widget", ModeOr)
	require.Len(t, results, 2)
	require.Equal(t, "http://example.com/dense", results[0].URL)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchTieBreaksByURL(t *testing.T) {
	idx := NewIndex()
	idx.AddDocument(Document{URL: "http://example.com/b", Text: "same text"})
	idx.AddDocument(Document{URL: "http://example.com/a", Text: "same text"})

	results := idx.Search("same", ModeOr)
	require.Len(t, results, 2)
	require.Equal(t, "http://example.com/a", results[0].URL)
}

func TestSearchEmptyQueryAndEmptyIndex(t *testing.T) {
	idx := NewIndex()
	require.Empty(t, idx.Search("", ModeOr))
	require.Empty(t, idx.Search("anything", ModeAnd))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	idx := NewIndex()
	idx.AddDocument(Document{URL: "http://example.com/a", Title: "Alpha", Text: "alpha beta"})
	idx.AddDocument(Document{URL: "http://example.com/b", Text: "beta gamma"})

	data, err := idx.Snapshot()
	require.NoError(t, err)

	restored := NewIndex()
	require.NoError(t, restored.Restore(data))
	require.Equal(t, 2, restored.DocCount())

	results := restored.Search("beta", ModeOr)
	require.Len(t, results, 2)
	hit := restored.Search("alpha", ModeAnd)
	require.Len(t, hit, 1)
	require.Equal(t, "Alpha", hit[0].Title)
	require.Equal(t, idx.Search("beta gamma", ModeOr), restored.Search("beta gamma", ModeOr))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	idx := NewIndex()
	require.Error(t, idx.Restore([]byte("not json")))
}
