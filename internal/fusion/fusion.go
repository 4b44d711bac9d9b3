// Package fusion implements the triple-fusion query planner:
// concurrent dispatch to the lexical, semantic, and graph backends,
// per-backend score normalization, and a weighted merge into a single
// ranked result set. A backend that fails is dropped from the fusion;
// the query only errors when every requested backend fails.
package fusion

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agrama/internal/errors"
	"agrama/internal/graph"
	"agrama/internal/lexical"
	"agrama/internal/semantic"
)

// Weights controls the contribution of each backend to the fused
// score. Lexical + Semantic + Graph must equal 1.
type Weights struct {
	Lexical  float64
	Semantic float64
	Graph    float64
}

// Validate reports whether the weights sum to 1 within tolerance and
// are each non-negative.
func (w Weights) Validate() error {
	if w.Lexical < 0 || w.Semantic < 0 || w.Graph < 0 {
		return errors.New(errors.InvalidInput, "fusion.Weights.Validate", "weights must be non-negative")
	}
	sum := w.Lexical + w.Semantic + w.Graph
	if sum < 0.999 || sum > 1.001 {
		return errors.New(errors.InvalidInput, "fusion.Weights.Validate", "weights must sum to 1")
	}
	return nil
}

// Query bundles a hybrid lookup's text, embedding, and graph-seed inputs.
type Query struct {
	Text          string
	Embedding     []float32
	EffectiveDim  int
	GraphSeeds    []string
	GraphBound    float64
	EmbeddingPath func(id int) string // resolves a semantic.Index handle back to a path
}

// Result is one fused, ranked match.
type Result struct {
	Path  string
	Score float64
}

// Planner fans a hybrid query out to the three backends and merges
// their scores.
type Planner struct {
	lex *lexical.Ranker
	sem *semantic.Index
	gr  *graph.Graph
	log *zap.Logger
}

// New builds a Planner over the given backends. Any backend may be nil
// if that dimension of retrieval is unused; its weight must then be 0.
func New(log *zap.Logger, lex *lexical.Ranker, sem *semantic.Index, gr *graph.Graph) *Planner {
	return &Planner{lex: lex, sem: sem, gr: gr, log: log}
}

type backendResult struct {
	scores map[string]float64
	err    error
}

// Search runs the fused retrieval: dispatch concurrently, normalize
// each backend's raw scores by its own maximum (0 if the max is 0),
// then combine with w. A backend that errors is dropped from the
// fusion (its weight's contribution becomes 0); if every requested
// backend errors, Search returns the first error encountered.
func (p *Planner) Search(ctx context.Context, q Query, w Weights, k int) ([]Result, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	var lexRes, semRes, graphRes backendResult
	g, _ := errgroup.WithContext(ctx)

	if w.Lexical > 0 && p.lex != nil {
		g.Go(func() error {
			lexRes.scores = scoresFromLexical(p.lex.Query(q.Text, 0))
			return nil
		})
	}
	if w.Semantic > 0 && p.sem != nil {
		g.Go(func() error {
			res, err := p.sem.Search(q.Embedding, p.sem.Len(), 256, q.EffectiveDim)
			if err != nil {
				semRes.err = err
				return nil
			}
			semRes.scores = scoresFromSemantic(res, q.EmbeddingPath)
			return nil
		})
	}
	if w.Graph > 0 && p.gr != nil {
		g.Go(func() error {
			scores, err := p.graphScores(q.GraphSeeds, q.GraphBound)
			if err != nil {
				graphRes.err = err
				return nil
			}
			graphRes.scores = scores
			return nil
		})
	}
	_ = g.Wait() // per-backend errors are captured in *Res.err, never surfaced here

	active := 0
	if w.Lexical > 0 && p.lex != nil {
		active++
	}
	if w.Semantic > 0 && p.sem != nil {
		active++
	}
	if w.Graph > 0 && p.gr != nil {
		active++
	}
	failed := 0
	var firstErr error
	if lexRes.err != nil {
		failed++
		if firstErr == nil {
			firstErr = lexRes.err
		}
	}
	if semRes.err != nil {
		failed++
		if firstErr == nil {
			firstErr = semRes.err
		}
	}
	if graphRes.err != nil {
		failed++
		if firstErr == nil {
			firstErr = graphRes.err
		}
	}
	if active > 0 && failed == active {
		return nil, errors.Wrap(errors.BackendUnavailable, "fusion.Planner.Search", "all requested backends failed", firstErr)
	}

	combined := make(map[string]float64)
	addWeighted(combined, normalize(lexRes.scores), w.Lexical)
	addWeighted(combined, normalize(semRes.scores), w.Semantic)
	addWeighted(combined, normalize(graphRes.scores), w.Graph)

	out := make([]Result, 0, len(combined))
	for path, score := range combined {
		out = append(out, Result{Path: path, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	p.log.Debug("fused query", zap.Int("results", len(out)), zap.Int("failed_backends", failed))
	return out, nil
}

func scoresFromLexical(results []lexical.Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.Path] = r.Score
	}
	return out
}

func scoresFromSemantic(results []semantic.Result, pathOf func(int) string) map[string]float64 {
	out := make(map[string]float64, len(results))
	if pathOf == nil {
		return out
	}
	maxDist := 0.0
	for _, r := range results {
		if r.Distance > maxDist {
			maxDist = r.Distance
		}
	}
	for _, r := range results {
		// Similarity, not distance: closer vectors score higher.
		sim := 1.0
		if maxDist > 0 {
			sim = 1 - r.Distance/maxDist
		}
		out[pathOf(r.ID)] = sim
	}
	return out
}

// graphScores computes the graph-proximity contribution: for every
// path reachable from any seed within bound, score(path) =
// max over seeds s of (1 - distance(s,path)/bound), clamped to [0,1].
func (p *Planner) graphScores(seeds []string, bound float64) (map[string]float64, error) {
	out := make(map[string]float64)
	if bound <= 0 {
		return out, nil
	}
	for _, s := range seeds {
		reach, err := p.gr.Traverse(s, bound, 32)
		if err != nil {
			if errors.KindOf(err) == errors.NotFound {
				continue // a seed absent from the graph contributes nothing
			}
			return nil, err
		}
		for path, r := range reach {
			score := 1 - r.Distance/bound
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			if score > out[path] {
				out[path] = score
			}
		}
	}
	return out, nil
}

func normalize(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make(map[string]float64, len(scores))
	if maxScore == 0 {
		for path := range scores {
			out[path] = 0
		}
		return out
	}
	for path, s := range scores {
		out[path] = s / maxScore
	}
	return out
}

func addWeighted(dst, src map[string]float64, weight float64) {
	if weight == 0 {
		return
	}
	for path, s := range src {
		dst[path] += weight * s
	}
}
