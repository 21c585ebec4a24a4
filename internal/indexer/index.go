// Package indexer implements the indexer worker: a local inverted index with
// positional postings, boolean search with tf-idf ranking, and the loop that
// feeds it from page-ready notices.
package indexer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Document is one indexable page.
type Document struct {
	URL   string
	Title string
	Text  string
}

// Mode selects boolean composition over query terms.
type Mode string

// Search modes.
const (
	ModeAnd Mode = "and"
	ModeOr  Mode = "or"
)

// SearchResult is one ranked hit.
type SearchResult struct {
	URL   string  `json:"url"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

// Index is an in-memory inverted index mapping terms to per-URL position
// lists. Each indexer owns its shard; no cross-worker mutation.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string][]int
	docLen   map[string]int
	titles   map[string]string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string][]int),
		docLen:   make(map[string]int),
		titles:   make(map[string]string),
	}
}

// Tokenize lowercases and splits on space and punctuation, dropping
// single-rune tokens.
func Tokenize(text string) []string {
	var tokens []string
	f := func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsPunct(c)
	}
	for _, token := range strings.FieldsFunc(text, f) {
		t := strings.ToLower(strings.TrimSpace(token))
		if t != "" && len(t) >= 2 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// AddDocument indexes doc. Re-adding a URL replaces its prior postings, so
// re-processing a page is idempotent.
func (i *Index) AddDocument(doc Document) {
	terms := Tokenize(doc.Text)

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, known := i.docLen[doc.URL]; known {
		for term, byURL := range i.postings {
			delete(byURL, doc.URL)
			if len(byURL) == 0 {
				delete(i.postings, term)
			}
		}
	}

	i.docLen[doc.URL] = len(terms)
	if doc.Title != "" {
		i.titles[doc.URL] = doc.Title
	} else {
		delete(i.titles, doc.URL)
	}
	for pos, term := range terms {
		byURL, ok := i.postings[term]
		if !ok {
			byURL = make(map[string][]int)
			i.postings[term] = byURL
		}
		byURL[doc.URL] = append(byURL[doc.URL], pos)
	}
}

// DocCount reports how many documents the shard holds.
func (i *Index) DocCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docLen)
}

// Positions returns the position list of term within the document at url.
func (i *Index) Positions(term, url string) []int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	byURL, ok := i.postings[strings.ToLower(term)]
	if !ok {
		return nil
	}
	return append([]int(nil), byURL[url]...)
}

// Search ranks documents matching the query terms under the given boolean
// mode. Scores compose per-term tf-idf; ties order by URL for determinism.
func (i *Index) Search(query string, mode Mode) []SearchResult {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.docLen) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	matched := make(map[string]int)
	n := float64(len(i.docLen))

	seen := make(map[string]struct{})
	distinct := 0
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		distinct++

		byURL := i.postings[term]
		if len(byURL) == 0 {
			continue
		}
		df := float64(len(byURL))
		idf := math.Log((n+1)/(df+1)) + 1
		for url, positions := range byURL {
			dl := i.docLen[url]
			if dl == 0 {
				continue
			}
			tf := float64(len(positions)) / float64(dl)
			scores[url] += tf * idf
			matched[url]++
		}
	}

	results := make([]SearchResult, 0, len(scores))
	for url, score := range scores {
		if mode == ModeAnd && matched[url] != distinct {
			continue
		}
		results = append(results, SearchResult{URL: url, Title: i.titles[url], Score: score})
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Score == results[b].Score {
			return results[a].URL < results[b].URL
		}
		return results[a].Score > results[b].Score
	})
	return results
}

// indexSnapshot is the serialized form persisted to the blob store.
type indexSnapshot struct {
	Postings map[string]map[string][]int `json:"postings"`
	DocLen   map[string]int              `json:"doc_len"`
	Titles   map[string]string           `json:"titles"`
}

// Snapshot serializes the shard. Safe to call concurrently with queries.
func (i *Index) Snapshot() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	data, err := json.Marshal(indexSnapshot{
		Postings: i.postings,
		DocLen:   i.docLen,
		Titles:   i.titles,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal index snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the shard's contents with a snapshot.
func (i *Index) Restore(data []byte) error {
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal index snapshot: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.postings = snap.Postings
	i.docLen = snap.DocLen
	i.titles = snap.Titles
	if i.postings == nil {
		i.postings = make(map[string]map[string][]int)
	}
	if i.docLen == nil {
		i.docLen = make(map[string]int)
	}
	if i.titles == nil {
		i.titles = make(map[string]string)
	}
	return nil
}
