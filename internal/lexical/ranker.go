// Package lexical implements the lexical ranker: an inverted index
// over normalized terms, scored with the standard Okapi BM25 formula.
// Index mutations are serialized behind a writer lock; queries read a
// consistent snapshot of the postings under the reader side.
package lexical

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agrama/internal/errors"
)

// stopWords is a small fixed stop-list dropped at tokenization.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "in": {}, "on": {},
	"and": {}, "or": {}, "is": {}, "are": {}, "it": {}, "for": {}, "with": {},
	"as": {}, "at": {}, "by": {}, "be": {},
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Tokenize normalizes case, splits on non-alphanumeric runs, and drops
// the stop-list.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	parts := tokenSplit.Split(lower, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if _, stop := stopWords[p]; stop {
			continue
		}
		out = append(out, p)
	}
	return out
}

type posting struct {
	path string
	freq int
}

// Params holds the BM25 tuning constants.
type Params struct {
	K float64
	B float64
}

// DefaultParams returns the standard Okapi constants.
func DefaultParams() Params { return Params{K: 1.2, B: 0.75} }

// Ranker is the inverted-index lexical ranker.
type Ranker struct {
	mu       sync.RWMutex
	postings map[string][]posting // term -> postings, ordered by insertion
	docLen   map[string]int       // path -> token count
	totalLen int
	params   Params
	log      *zap.Logger
}

// New builds an empty Ranker.
func New(log *zap.Logger, params Params) *Ranker {
	return &Ranker{
		postings: make(map[string][]posting),
		docLen:   make(map[string]int),
		params:   params,
		log:      log,
	}
}

// Index tokenizes text and adds its postings under path, first
// removing any prior postings for path, so index/remove/index yields
// the same postings as a single index call.
func (r *Ranker) Index(path, text string) error {
	if path == "" {
		return errors.New(errors.InvalidInput, "lexical.Ranker.Index", "path must not be empty")
	}
	tokens := Tokenize(text)

	counts := make(map[string]int)
	for _, tok := range tokens {
		counts[tok]++
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(path)

	for term, freq := range counts {
		r.postings[term] = append(r.postings[term], posting{path: path, freq: freq})
	}
	r.docLen[path] = len(tokens)
	r.totalLen += len(tokens)

	r.log.Debug("indexed document", zap.String("path", path), zap.Int("tokens", len(tokens)), zap.Int("unique_terms", len(counts)))
	return nil
}

// Remove deletes all postings for path. A no-op if path was never indexed.
func (r *Ranker) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(path)
}

func (r *Ranker) removeLocked(path string) {
	length, existed := r.docLen[path]
	if !existed {
		return
	}
	for term, posts := range r.postings {
		filtered := posts[:0]
		for _, p := range posts {
			if p.path != path {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(r.postings, term)
		} else {
			r.postings[term] = filtered
		}
	}
	delete(r.docLen, path)
	r.totalLen -= length
}

// Result is one scored match from Query.
type Result struct {
	Path  string
	Score float64
}

// Query scores every path containing at least one query term against
// the free-text query and returns up to limit results sorted by score
// descending, ties broken by path for determinism. Query reads a
// point-in-time snapshot of the postings under the read lock, so
// concurrent Index/Remove calls never produce phantom partial results.
func (r *Ranker) Query(text string, limit int) []Result {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	docCount := len(r.docLen)
	if docCount == 0 {
		return nil
	}
	avgdl := float64(r.totalLen) / float64(docCount)
	if avgdl == 0 {
		avgdl = 1
	}

	scores := make(map[string]float64)
	seen := make(map[string]struct{})
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		posts, ok := r.postings[term]
		if !ok {
			continue
		}
		idf := idf(docCount, len(posts))
		if idf <= 0 {
			continue
		}
		for _, p := range posts {
			dl := float64(r.docLen[p.path])
			tf := float64(p.freq)
			denom := tf + r.params.K*(1-r.params.B+r.params.B*dl/avgdl)
			scores[p.path] += idf * (tf * (r.params.K + 1)) / denom
		}
	}

	out := make([]Result, 0, len(scores))
	for path, score := range scores {
		out = append(out, Result{Path: path, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// idf computes the standard log-form inverse document frequency,
// floored at zero.
func idf(docCount, docFreq int) float64 {
	v := math.Log((float64(docCount)-float64(docFreq)+0.5)/(float64(docFreq)+0.5) + 1)
	if v < 0 {
		return 0
	}
	return v
}
