// Package semantic implements the layered approximate-nearest-neighbor
// index: an HNSW-style proximity graph over fixed-dimension embedding
// vectors, with progressive-precision queries that compute distance
// over a leading prefix of each stored vector. Node handles are stable
// integers into an append-only node table, so the cyclic neighbor
// graph needs no pointer chasing or reference counting.
package semantic

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"agrama/internal/errors"
)

// Params tunes the index's graph construction and search width.
type Params struct {
	M               int
	M0              int
	EFConstruction  int
	EFSearch        int
	LevelMultiplier float64
}

type levelLinks struct {
	neighbors atomic.Pointer[[]int]
}

type node struct {
	id     int
	vector []float32 // full precision, len == Index.dim
	links  []*levelLinks
}

func (n *node) neighborsAt(level int) []int {
	if level >= len(n.links) {
		return nil
	}
	p := n.links[level].neighbors.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (n *node) setNeighborsAt(level int, ids []int) {
	cp := append([]int(nil), ids...)
	n.links[level].neighbors.Store(&cp)
}

// Index is the layered proximity graph.
type Index struct {
	mu         sync.RWMutex
	dim        int
	params     Params
	nodes      []*node
	entryPoint int // -1 when empty
	topLevel   int
	rngMu      sync.Mutex
	rng        *rand.Rand
	log        *zap.Logger
}

// New builds an empty Index over vectors of the given dimension.
func New(log *zap.Logger, dim int, params Params) *Index {
	return &Index{
		dim:        dim,
		params:     params,
		entryPoint: -1,
		rng:        rand.New(rand.NewSource(1)),
		log:        log,
	}
}

func dist(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (ix *Index) sampleLevel() int {
	ix.rngMu.Lock()
	u := ix.rng.Float64()
	ix.rngMu.Unlock()
	if u <= 0 {
		u = 1e-12
	}
	lvl := int(math.Floor(-math.Log(u) * ix.params.LevelMultiplier))
	if lvl < 0 {
		lvl = 0
	}
	return lvl
}

// Insert adds vec to the index and returns its handle. Insertion
// always stores the full-precision vector; lower-precision prefixes
// are sliced at query time.
func (ix *Index) Insert(vec []float32) (int, error) {
	if len(vec) != ix.dim {
		return 0, errors.New(errors.DimensionMismatch, "semantic.Index.Insert", "vector dimension does not match configured index dimension")
	}
	owned := append([]float32(nil), vec...)
	level := ix.sampleLevel()

	n := &node{vector: owned, links: make([]*levelLinks, level+1)}
	for i := range n.links {
		n.links[i] = &levelLinks{}
	}

	ix.mu.Lock()
	n.id = len(ix.nodes)
	ix.nodes = append(ix.nodes, n)
	isFirst := ix.entryPoint == -1
	entry := ix.entryPoint
	top := ix.topLevel
	if isFirst || level > top {
		ix.entryPoint = n.id
		ix.topLevel = level
	}
	ix.mu.Unlock()

	if isFirst {
		return n.id, nil
	}

	// Greedy descend from the index entry point through levels above
	// `level`, maintaining a single best candidate.
	best := entry
	bestDist := dist(owned, ix.nodes[entry].vector)
	for l := top; l > level; l-- {
		best, bestDist = ix.greedyStep(owned, best, bestDist, l)
	}

	// From level min(level, top) down to 0, beam search and link.
	startLevel := level
	if top < startLevel {
		startLevel = top
	}
	candidates := []candidate{{id: best, dist: bestDist}}
	for l := startLevel; l >= 0; l-- {
		found := ix.searchLayer(owned, candidates, ix.params.EFConstruction, l)
		cap := ix.params.M
		if l == 0 {
			cap = ix.params.M0
		}
		selected := selectNeighborsHeuristic(owned, found, cap, ix)
		n.setNeighborsAt(l, idsOf(selected))
		for _, c := range selected {
			ix.linkBack(c.id, n.id, l)
		}
		candidates = found
	}

	ix.log.Debug("inserted vector", zap.Int("id", n.id), zap.Int("level", level))
	return n.id, nil
}

// linkBack adds n as a neighbor of other at level, pruning over-connected
// neighbor lists with the same diversity heuristic used at insertion.
func (ix *Index) linkBack(other, n, level int) {
	ix.mu.RLock()
	o := ix.nodes[other]
	ix.mu.RUnlock()
	if level >= len(o.links) {
		return
	}
	cap := ix.params.M
	if level == 0 {
		cap = ix.params.M0
	}

	for {
		cur := o.neighborsAt(level)
		already := false
		for _, id := range cur {
			if id == n {
				already = true
				break
			}
		}
		var next []int
		if already {
			return
		}
		next = append(append([]int(nil), cur...), n)
		if len(next) > cap {
			cands := make([]candidate, len(next))
			for i, id := range next {
				cands[i] = candidate{id: id, dist: dist(o.vector, ix.nodes[id].vector)}
			}
			selected := selectNeighborsHeuristic(o.vector, cands, cap, ix)
			next = idsOf(selected)
		}
		o.setNeighborsAt(level, next)
		return
	}
}

type candidate struct {
	id   int
	dist float64
}

func idsOf(cs []candidate) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.id
	}
	return out
}

// selectNeighborsHeuristic favors diverse directions over pure
// proximity: sort candidates by distance, then greedily accept a
// candidate only if it is closer to the query than to every
// already-accepted neighbor (the standard HNSW diversity heuristic).
func selectNeighborsHeuristic(query []float32, candidates []candidate, capN int, ix *Index) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})
	var selected []candidate
	for _, c := range candidates {
		if len(selected) >= capN {
			break
		}
		diverse := true
		cVec := ix.nodes[c.id].vector
		for _, s := range selected {
			if dist(cVec, ix.nodes[s.id].vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		}
	}
	// If the heuristic pruned too aggressively, backfill by proximity
	// so a node is never left with fewer neighbors than available.
	if len(selected) < capN {
		have := make(map[int]bool, len(selected))
		for _, s := range selected {
			have[s.id] = true
		}
		for _, c := range candidates {
			if len(selected) >= capN {
				break
			}
			if !have[c.id] {
				selected = append(selected, c)
			}
		}
	}
	return selected
}

func (ix *Index) greedyStep(query []float32, cur int, curDist float64, level int) (int, float64) {
	ix.mu.RLock()
	nodes := ix.nodes
	ix.mu.RUnlock()
	for {
		improved := false
		for _, nb := range nodes[cur].neighborsAt(level) {
			d := dist(query, nodes[nb].vector)
			if d < curDist {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// searchLayer runs a beam search of the given width at level, seeded
// with seeds, returning the closest candidates found (deduplicated,
// sorted by distance then handle for determinism).
func (ix *Index) searchLayer(query []float32, seeds []candidate, width, level int) []candidate {
	ix.mu.RLock()
	nodes := ix.nodes
	ix.mu.RUnlock()

	visited := make(map[int]bool)
	var frontier []candidate
	for _, s := range seeds {
		if !visited[s.id] {
			visited[s.id] = true
			frontier = append(frontier, s)
		}
	}
	best := append([]candidate(nil), frontier...)

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			if frontier[i].dist != frontier[j].dist {
				return frontier[i].dist < frontier[j].dist
			}
			return frontier[i].id < frontier[j].id
		})
		c := frontier[0]
		frontier = frontier[1:]

		worstBest := worstOf(best, width)
		if c.dist > worstBest && len(best) >= width {
			break
		}

		for _, nb := range nodes[c.id].neighborsAt(level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := dist(query, nodes[nb].vector)
			cand := candidate{id: nb, dist: d}
			frontier = append(frontier, cand)
			best = append(best, cand)
		}
	}

	sort.Slice(best, func(i, j int) bool {
		if best[i].dist != best[j].dist {
			return best[i].dist < best[j].dist
		}
		return best[i].id < best[j].id
	})
	if len(best) > width {
		best = best[:width]
	}
	return best
}

func worstOf(cs []candidate, width int) float64 {
	if len(cs) == 0 {
		return math.Inf(1)
	}
	sorted := append([]candidate(nil), cs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })
	idx := width - 1
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].dist
}

// Result is one match from Search.
type Result struct {
	ID       int
	Distance float64
}

// Search returns the k closest vectors to query, computing distance
// over the leading effectiveDim components of every stored (full
// precision) vector. effectiveDim <= 0 means "use the configured
// dimension".
func (ix *Index) Search(query []float32, k, efSearch, effectiveDim int) ([]Result, error) {
	if effectiveDim <= 0 {
		effectiveDim = ix.dim
	}
	if effectiveDim > ix.dim || len(query) < effectiveDim {
		return nil, errors.New(errors.DimensionMismatch, "semantic.Index.Search", "query dimension exceeds configured/stored dimension")
	}
	ix.mu.RLock()
	entry := ix.entryPoint
	top := ix.topLevel
	n := len(ix.nodes)
	ix.mu.RUnlock()
	if n == 0 {
		return nil, errors.New(errors.InvalidInput, "semantic.Index.Search", "index_empty")
	}
	if efSearch < k {
		efSearch = k
	}

	q := query[:effectiveDim]
	best := entry
	bestDist := dist(q, prefixOf(ix.nodes[entry].vector, effectiveDim))
	for l := top; l >= 1; l-- {
		best, bestDist = ix.greedyStepPrefix(q, best, bestDist, l, effectiveDim)
	}

	found := ix.searchLayerPrefix(q, []candidate{{id: best, dist: bestDist}}, efSearch, 0, effectiveDim)
	sort.Slice(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].id < found[j].id
	})
	if k > len(found) {
		k = len(found)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = Result{ID: found[i].id, Distance: found[i].dist}
	}
	return out, nil
}

func prefixOf(v []float32, d int) []float32 {
	if d >= len(v) {
		return v
	}
	return v[:d]
}

func (ix *Index) greedyStepPrefix(query []float32, cur int, curDist float64, level, d int) (int, float64) {
	ix.mu.RLock()
	nodes := ix.nodes
	ix.mu.RUnlock()
	for {
		improved := false
		for _, nb := range nodes[cur].neighborsAt(level) {
			dd := dist(query, prefixOf(nodes[nb].vector, d))
			if dd < curDist {
				cur, curDist = nb, dd
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

func (ix *Index) searchLayerPrefix(query []float32, seeds []candidate, width, level, d int) []candidate {
	ix.mu.RLock()
	nodes := ix.nodes
	ix.mu.RUnlock()

	visited := make(map[int]bool)
	var frontier []candidate
	for _, s := range seeds {
		if !visited[s.id] {
			visited[s.id] = true
			frontier = append(frontier, s)
		}
	}
	best := append([]candidate(nil), frontier...)

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			if frontier[i].dist != frontier[j].dist {
				return frontier[i].dist < frontier[j].dist
			}
			return frontier[i].id < frontier[j].id
		})
		c := frontier[0]
		frontier = frontier[1:]

		if c.dist > worstOf(best, width) && len(best) >= width {
			break
		}

		for _, nb := range nodes[c.id].neighborsAt(level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			dd := dist(query, prefixOf(nodes[nb].vector, d))
			cand := candidate{id: nb, dist: dd}
			frontier = append(frontier, cand)
			best = append(best, cand)
		}
	}
	return best
}

// Dim returns the configured full-precision dimension.
func (ix *Index) Dim() int {
	return ix.dim
}

// Len returns the number of vectors stored.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// VectorOf returns a copy of the stored full-precision vector for id.
func (ix *Index) VectorOf(id int) []float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]float32(nil), ix.nodes[id].vector...)
}
