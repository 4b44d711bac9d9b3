// Package graph implements the typed directed-edge store and its
// bounded-distance traversal: adjacency lists keyed by source path, a
// reverse index by target for bidirectional queries, and a blockwise
// frontier search answering "everything reachable within cost B from a
// source" over non-negative edge weights.
package graph

import (
	"container/heap"
	"math"
	"sync"

	"go.uber.org/zap"

	"agrama/internal/errors"
)

// Edge is a directed, typed triple with an optional weight and
// attributes. Two edges are distinct if any of
// (From, To, Kind) differ; re-inserting an identical triple updates
// weight/attributes in place rather than creating a duplicate.
type Edge struct {
	From       string
	To         string
	Kind       string
	Weight     float64
	Attributes map[string]any
}

// Graph stores typed directed edges and answers bounded-distance
// reachability queries.
type Graph struct {
	mu     sync.RWMutex
	out    map[string][]Edge // source -> edges, insertion order
	in     map[string][]Edge // target -> edges, insertion order
	handle map[string]int    // path -> monotonic handle, assigned on first sight
	nextH  int
	log    *zap.Logger
}

// New builds an empty Graph.
func New(log *zap.Logger) *Graph {
	return &Graph{
		out:    make(map[string][]Edge),
		in:     make(map[string][]Edge),
		handle: make(map[string]int),
		log:    log,
	}
}

func (g *Graph) handleOfLocked(path string) int {
	if h, ok := g.handle[path]; ok {
		return h
	}
	h := g.nextH
	g.handle[path] = h
	g.nextH++
	return h
}

// AddEdge inserts or updates an edge. Dangling edges (endpoints with
// no entity of their own) are permitted. Negative weights are rejected
// before any mutation.
func (g *Graph) AddEdge(from, to, kind string, weight float64, attrs map[string]any) error {
	if from == "" || to == "" || kind == "" {
		return errors.New(errors.InvalidInput, "graph.Graph.AddEdge", "from/to/kind must be non-empty")
	}
	if weight < 0 {
		return errors.New(errors.NegativeWeight, "graph.Graph.AddEdge", "edge weight must be non-negative")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.handleOfLocked(from)
	g.handleOfLocked(to)

	e := Edge{From: from, To: to, Kind: kind, Weight: weight, Attributes: attrs}

	if idx := findEdge(g.out[from], from, to, kind); idx >= 0 {
		g.out[from][idx] = e
	} else {
		g.out[from] = append(g.out[from], e)
	}
	if idx := findEdge(g.in[to], from, to, kind); idx >= 0 {
		// in[to] holds the same edge values as out[from], so the same
		// exact (From, To, Kind) matcher finds the reverse-index entry.
		g.in[to][idx] = e
	} else {
		g.in[to] = append(g.in[to], e)
	}
	g.log.Debug("edge stored", zap.String("from", from), zap.String("to", to), zap.String("kind", kind), zap.Float64("weight", weight))
	return nil
}

func findEdge(edges []Edge, from, to, kind string) int {
	for i, e := range edges {
		if e.From == from && e.To == to && e.Kind == kind {
			return i
		}
	}
	return -1
}

// RemoveEdge deletes an edge if present; a no-op otherwise. Removal
// never cascades to other paths.
func (g *Graph) RemoveEdge(from, to, kind string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out[from] = removeMatching(g.out[from], from, to, kind)
	g.in[to] = removeMatching(g.in[to], from, to, kind)
}

func removeMatching(edges []Edge, from, to, kind string) []Edge {
	filtered := edges[:0]
	for _, e := range edges {
		if e.From == from && e.To == to && e.Kind == kind {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

// NeighborsOut returns a copy of path's outgoing edges, insertion order.
func (g *Graph) NeighborsOut(path string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.out[path]...)
}

// NeighborsIn returns a copy of path's incoming edges, insertion order.
func (g *Graph) NeighborsIn(path string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.in[path]...)
}

// Snapshot returns every edge currently stored, for internal/db.Core.Snapshot.
func (g *Graph) Snapshot() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var all []Edge
	for _, edges := range g.out {
		all = append(all, edges...)
	}
	return all
}

// Restore replaces the graph's contents with a previously captured Snapshot.
func (g *Graph) Restore(edges []Edge) {
	g.mu.Lock()
	g.out = make(map[string][]Edge)
	g.in = make(map[string][]Edge)
	g.handle = make(map[string]int)
	g.nextH = 0
	g.mu.Unlock()
	for _, e := range edges {
		_ = g.AddEdge(e.From, e.To, e.Kind, e.Weight, e.Attributes)
	}
}

// --- bounded-distance traversal (frontier reduction) ---

// Reachable describes one reachable node's shortest distance and the
// predecessor path on a shortest path from the traversal source.
type Reachable struct {
	Distance    float64
	Predecessor string
	HasPred     bool
}

// frontierItem is one entry in the bounded priority structure used to
// process the frontier in blocks of bounded size.
type frontierItem struct {
	path   string
	handle int
	dist   float64
	index  int
}

type frontierHeap []*frontierItem

func (h frontierHeap) Len() int { return len(h) }
func (h frontierHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	// Deterministic tie-break by lower node handle.
	return h[i].handle < h[j].handle
}
func (h frontierHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *frontierHeap) Push(x any) {
	item := x.(*frontierItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Traverse computes single-source shortest paths from source up to
// distance bound, partitioning the frontier into blocks of up to
// blockSize vertices, each processed against a bounded priority
// structure. Because a block is drained from the heap before any of
// its members relax their edges, a member's tentative distance can be
// improved by an earlier sibling in the same block; such stale entries
// are skipped (the improvement pushed a fresh entry), and every
// relaxation reads the current best distance, so an improved vertex is
// re-expanded from its new base rather than a stale one. Block members
// are processed in a deterministic (distance, handle) order, so result
// construction never depends on map iteration order.
func (g *Graph) Traverse(source string, bound float64, blockSize int) (map[string]Reachable, error) {
	if blockSize <= 0 {
		blockSize = 32
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.handle[source]; !ok {
		return nil, errors.New(errors.NotFound, "graph.Graph.Traverse", "unknown source: "+source)
	}

	dist := map[string]float64{source: 0}
	pred := map[string]Reachable{source: {Distance: 0}}

	h := &frontierHeap{}
	heap.Init(h)
	heap.Push(h, &frontierItem{path: source, handle: g.handleOfLocked2(source), dist: 0})

	for h.Len() > 0 {
		block := make([]*frontierItem, 0, blockSize)
		for h.Len() > 0 && len(block) < blockSize {
			item := heap.Pop(h).(*frontierItem)
			if item.dist > bound || item.dist > dist[item.path] {
				continue
			}
			block = append(block, item)
		}
		if len(block) == 0 {
			break
		}

		for _, item := range block {
			base := dist[item.path]
			if item.dist > base {
				// An earlier sibling in this block found a shorter
				// path; the improved entry is still queued.
				continue
			}

			for _, e := range g.out[item.path] {
				if e.Weight < 0 {
					// Invariant: negative weights are rejected at
					// insertion; this guards against a corrupted
					// edge ever being relaxed.
					errors.Fatal("graph.Graph.Traverse", "encountered negative edge weight during relaxation")
				}
				nd := base + e.Weight
				if nd > bound {
					continue
				}
				cur, known := dist[e.To]
				if !known || nd < cur {
					dist[e.To] = nd
					pred[e.To] = Reachable{Distance: nd, Predecessor: item.path, HasPred: true}
					heap.Push(h, &frontierItem{path: e.To, handle: g.handleOfLocked2(e.To), dist: nd})
				}
			}
		}
	}

	out := make(map[string]Reachable, len(dist))
	for path, d := range dist {
		r := pred[path]
		r.Distance = d
		out[path] = r
	}
	return out, nil
}

// handleOfLocked2 is a read-only handle lookup used inside Traverse,
// which holds only the read lock; unseen paths (possible for a
// traversal target with no adjacency of its own) get a stable handle
// derived from prior registration, or MaxInt if never seen, so they
// always lose tie-breaks against registered nodes.
func (g *Graph) handleOfLocked2(path string) int {
	if h, ok := g.handle[path]; ok {
		return h
	}
	return int(^uint(0) >> 1)
}

// ShortestPath runs a simultaneous forward search from s over the
// adjacency lists and a backward search from t over the reverse index,
// terminating when the two frontiers meet. The best meeting distance
// is final once the smallest tentative distance on either frontier can
// no longer improve on it, the standard bidirectional-Dijkstra
// stopping rule. Returns false when t is unreachable from s within
// bound.
func (g *Graph) ShortestPath(s, t string, bound float64) (Reachable, bool) {
	if s == t {
		return Reachable{Distance: 0}, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.handle[s]; !ok {
		return Reachable{}, false
	}
	if _, ok := g.handle[t]; !ok {
		return Reachable{}, false
	}

	fwd := &halfSearch{dist: map[string]float64{s: 0}, settled: map[string]bool{}, h: &frontierHeap{}}
	bwd := &halfSearch{dist: map[string]float64{t: 0}, settled: map[string]bool{}, h: &frontierHeap{}}
	heap.Push(fwd.h, &frontierItem{path: s, handle: g.handleOfLocked2(s)})
	heap.Push(bwd.h, &frontierItem{path: t, handle: g.handleOfLocked2(t)})

	best := math.Inf(1)
	for fwd.h.Len() > 0 && bwd.h.Len() > 0 {
		if (*fwd.h)[0].dist+(*bwd.h)[0].dist >= best {
			break
		}
		// Expand the side with the smaller frontier top, so the two
		// searches stay balanced on skewed graphs.
		side, other := fwd, bwd
		edges, endpoint := g.out, func(e Edge) string { return e.To }
		if (*bwd.h)[0].dist < (*fwd.h)[0].dist {
			side, other = bwd, fwd
			edges, endpoint = g.in, func(e Edge) string { return e.From }
		}
		best = g.expandHalf(side, other, edges, endpoint, bound, best)
	}

	if math.IsInf(best, 1) || best > bound {
		return Reachable{}, false
	}
	return Reachable{Distance: best}, true
}

type halfSearch struct {
	dist    map[string]float64
	settled map[string]bool
	h       *frontierHeap
}

// expandHalf settles one vertex on side, relaxing its edges and
// tightening best whenever a relaxed endpoint has already been reached
// by the opposite search.
func (g *Graph) expandHalf(side, other *halfSearch, edges map[string][]Edge, endpoint func(Edge) string, bound, best float64) float64 {
	item := heap.Pop(side.h).(*frontierItem)
	if side.settled[item.path] {
		return best
	}
	side.settled[item.path] = true
	if od, ok := other.dist[item.path]; ok && item.dist+od < best {
		best = item.dist + od
	}
	for _, e := range edges[item.path] {
		nd := item.dist + e.Weight
		if nd > bound {
			continue
		}
		to := endpoint(e)
		if cur, known := side.dist[to]; !known || nd < cur {
			side.dist[to] = nd
			heap.Push(side.h, &frontierItem{path: to, handle: g.handleOfLocked2(to), dist: nd})
		}
		if od, ok := other.dist[to]; ok && side.dist[to]+od < best {
			best = side.dist[to] + od
		}
	}
	return best
}
