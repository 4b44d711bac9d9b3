// Package engine implements the primitive engine: the five verbs
// (store, retrieve, search, link, transform) that every adapter
// ultimately calls. Each invocation validates its parameters,
// dispatches to the wired backends, and emits one completion event;
// store also stages its content on a request-scoped arena. A top-level recover re-panics internal-error
// invariant violations so the process terminates rather than limping
// on in a possibly-corrupted state.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agrama/internal/crdt"
	"agrama/internal/errors"
	"agrama/internal/eventbus"
	"agrama/internal/fusion"
	"agrama/internal/graph"
	"agrama/internal/lexical"
	"agrama/internal/pool"
	"agrama/internal/semantic"
	"agrama/internal/temporal"
)

// Identity carries the caller-supplied agent/session tags stamped into
// every emitted event; neither gates execution.
type Identity struct {
	AgentID   string
	SessionID string
}

// Mode selects which backend(s) a search dispatches to.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeGraph    Mode = "graph"
	ModeHybrid   Mode = "hybrid"
	ModeTemporal Mode = "temporal"
)

// TransformFunc is a registry entry: a pure function over store
// contents returning a new or modified entity.
type TransformFunc func(ctx context.Context, e *Engine, inputs []string, params map[string]any) (map[string]any, error)

// Backends bundles the subsystems the engine dispatches to.
type Backends struct {
	Temporal *temporal.Store
	Lexical  *lexical.Ranker
	Semantic *semantic.Index
	Graph    *graph.Graph
	Fusion   *fusion.Planner
	CRDT     *crdt.Store
	Pools    *pool.Pools
	Events   *eventbus.Bus
}

// Engine dispatches the five primitives to the wired backends.
type Engine struct {
	b          Backends
	log        *zap.Logger
	transforms map[string]TransformFunc

	semMu    sync.RWMutex
	semPaths map[int]string // semantic handle -> path, for search result resolution
}

func (e *Engine) pathOfHandle(handle int) string {
	e.semMu.RLock()
	defer e.semMu.RUnlock()
	return e.semPaths[handle]
}

// New builds an Engine over the given backends, registering builtins
// plus any caller-supplied extension transforms. The registry is fixed
// after construction; there is no runtime registration.
func New(log *zap.Logger, b Backends, extra map[string]TransformFunc) *Engine {
	e := &Engine{b: b, log: log, transforms: make(map[string]TransformFunc), semPaths: make(map[int]string)}
	for name, fn := range builtinTransforms() {
		e.transforms[name] = fn
	}
	for name, fn := range extra {
		e.transforms[name] = fn
	}
	return e
}

func fingerprint(params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// recoverInternal converts a panic carrying an internal error into a
// re-panic after logging, so an invariant violation terminates the
// process instead of silently corrupting state; any other panic is
// also re-raised, since the engine never expects an unclassified panic
// to be safely swallowed.
func (e *Engine) recoverInternal(op string) {
	if r := recover(); r != nil {
		e.log.Error("unrecovered panic, terminating", zap.String("op", op), zap.Any("panic", r))
		panic(r)
	}
}

// StoreParams is the store primitive's parameter object.
type StoreParams struct {
	Path          string
	Content       []byte
	Metadata      map[string]any
	Embedding     []float32
	TokensToIndex string // non-empty enables lexical indexing
	Collaborative bool
	Participant   string
}

// StoreResult reports what was committed.
type StoreResult struct {
	TemporalCommitted bool
	LexicalCommitted  bool
	SemanticCommitted bool
	SemanticHandle    int
}

// Store writes content via the temporal store and, if requested,
// atomically updates the lexical and semantic indices: stage every
// write first, and only commit (in fixed order temporal -> lexical ->
// semantic) once every stage has validated successfully. Because the
// temporal store's own Put already validates before mutating, and the
// lexical/semantic stages below only perform mutations with no
// separate failure-after-partial-mutation window, "stage" here means
// "validate", and commit applies each backend's already-atomic write
// in order with a single retry on retriable failures.
func (e *Engine) Store(ctx context.Context, id Identity, p StoreParams) (result StoreResult, err error) {
	ev := eventbus.NewEvent("store", id.AgentID, id.SessionID, fingerprint(p))
	defer func() {
		e.finish(ev, err)
	}()
	defer e.recoverInternal("engine.Engine.Store")

	if err = ctx.Err(); err != nil {
		return result, errors.Wrap(errors.Cancelled, "engine.Engine.Store", "context cancelled before staging", err)
	}

	// Stage-validate the embedding before any backend commits, so a
	// dimension mismatch can never leave a partial multi-index write.
	if len(p.Embedding) > 0 && e.b.Semantic != nil && len(p.Embedding) != e.b.Semantic.Dim() {
		err = errors.New(errors.DimensionMismatch, "engine.Engine.Store", "embedding dimension does not match configured index dimension")
		return result, err
	}

	arena, release := e.b.Pools.Arenas.Acquire()
	defer release()

	// Stage the content on the arena before any backend sees it, so an
	// oversized payload lands on per-request scratch space rather than
	// a fixed pool slot.
	staged, stageErr := arena.Alloc(len(p.Content))
	if stageErr != nil {
		return result, stageErr
	}
	copy(staged, p.Content)

	// Last cancellation point: once the temporal commit starts, every
	// requested index is committed.
	if err = ctx.Err(); err != nil {
		return result, errors.Wrap(errors.Cancelled, "engine.Engine.Store", "cancelled before commit", err)
	}

	if err = e.b.Temporal.Put(p.Path, staged); err != nil {
		return result, err
	}
	result.TemporalCommitted = true

	if p.Metadata != nil {
		if err = e.b.Temporal.SetMetadata(p.Path, p.Metadata); err != nil {
			return result, err
		}
	}

	if p.TokensToIndex != "" {
		if err = retryOnce(func() error { return e.b.Lexical.Index(p.Path, p.TokensToIndex) }); err != nil {
			return result, err
		}
		result.LexicalCommitted = true
	}

	if len(p.Embedding) > 0 && e.b.Semantic != nil {
		var handle int
		insertErr := retryOnce(func() error {
			var e2 error
			handle, e2 = e.b.Semantic.Insert(p.Embedding)
			return e2
		})
		if insertErr != nil {
			err = insertErr
			return result, err
		}
		result.SemanticCommitted = true
		result.SemanticHandle = handle
		e.semMu.Lock()
		e.semPaths[handle] = p.Path
		e.semMu.Unlock()
	}

	if p.Collaborative {
		e.b.CRDT.Seed(p.Path, p.Participant, string(p.Content))
	}

	return result, nil
}

func retryOnce(fn func() error) error {
	err := fn()
	if err != nil && errors.KindOf(err).Retriable() {
		return fn()
	}
	return err
}

// RetrieveParams is the retrieve primitive's parameter object.
type RetrieveParams struct {
	Path             string
	HistoryLimit     int
	IncludeNeighbors bool
}

// RetrieveResult bundles current content, metadata, optional history,
// and optional adjacency.
type RetrieveResult struct {
	Content      []byte
	Metadata     map[string]any
	History      []temporal.Record
	NeighborsOut []graph.Edge
	NeighborsIn  []graph.Edge
}

// Retrieve reads current content plus optional history and edges.
func (e *Engine) Retrieve(ctx context.Context, id Identity, p RetrieveParams) (result RetrieveResult, err error) {
	ev := eventbus.NewEvent("retrieve", id.AgentID, id.SessionID, fingerprint(p))
	defer func() { e.finish(ev, err) }()
	defer e.recoverInternal("engine.Engine.Retrieve")

	content, getErr := e.b.Temporal.Get(p.Path)
	if getErr != nil {
		err = getErr
		return result, err
	}
	result.Content = content
	result.Metadata, _ = e.b.Temporal.Metadata(p.Path)

	if p.HistoryLimit != 0 {
		hist, histErr := e.b.Temporal.History(p.Path, p.HistoryLimit)
		if histErr != nil {
			err = histErr
			return result, err
		}
		result.History = hist
	}

	if p.IncludeNeighbors && e.b.Graph != nil {
		result.NeighborsOut = e.b.Graph.NeighborsOut(p.Path)
		result.NeighborsIn = e.b.Graph.NeighborsIn(p.Path)
	}
	return result, nil
}

// SearchParams is the search primitive's parameter object.
type SearchParams struct {
	Mode         Mode
	Query        string
	Embedding    []float32
	EffectiveDim int
	GraphSeeds   []string
	GraphBound   float64
	Weights      fusion.Weights
	Limit        int
}

// Search dispatches to the backend(s) selected by Mode.
func (e *Engine) Search(ctx context.Context, id Identity, p SearchParams) (results []fusion.Result, err error) {
	ev := eventbus.NewEvent("search", id.AgentID, id.SessionID, fingerprint(p))
	defer func() { e.finish(ev, err) }()
	defer e.recoverInternal("engine.Engine.Search")

	switch p.Mode {
	case ModeLexical:
		lr := e.b.Lexical.Query(p.Query, p.Limit)
		results = make([]fusion.Result, len(lr))
		for i, r := range lr {
			results[i] = fusion.Result{Path: r.Path, Score: r.Score}
		}
	case ModeSemantic:
		efSearch := p.Limit * 4
		if efSearch < 32 {
			efSearch = 32
		}
		sr, serr := e.b.Semantic.Search(p.Embedding, p.Limit, efSearch, p.EffectiveDim)
		if serr != nil {
			err = serr
			return nil, err
		}
		// Score as similarity so every mode ranks higher-is-better.
		results = make([]fusion.Result, len(sr))
		for i, r := range sr {
			results[i] = fusion.Result{Path: e.pathOfHandle(r.ID), Score: 1 / (1 + r.Distance)}
		}
	case ModeGraph:
		merged := make(map[string]float64)
		for _, seed := range p.GraphSeeds {
			reach, terr := e.b.Graph.Traverse(seed, p.GraphBound, 32)
			if terr != nil {
				if errors.KindOf(terr) == errors.NotFound {
					continue
				}
				err = terr
				return nil, err
			}
			for path, r := range reach {
				score := 1.0
				if p.GraphBound > 0 {
					score = 1 - r.Distance/p.GraphBound
				}
				if score > merged[path] {
					merged[path] = score
				}
			}
		}
		for path, score := range merged {
			results = append(results, fusion.Result{Path: path, Score: score})
		}
	case ModeHybrid:
		fr, ferr := e.b.Fusion.Search(ctx, fusion.Query{
			Text: p.Query, Embedding: p.Embedding, EffectiveDim: p.EffectiveDim,
			GraphSeeds: p.GraphSeeds, GraphBound: p.GraphBound,
			EmbeddingPath: e.pathOfHandle,
		}, p.Weights, p.Limit)
		if ferr != nil {
			err = ferr
			return nil, err
		}
		results = fr
	case ModeTemporal:
		// Temporal "search" is existence/history lookup, not ranked
		// retrieval; callers use Retrieve for that. Kept as a mode tag
		// for adapters that route all five verbs through one dispatcher.
		if e.b.Temporal.Exists(p.Query) {
			results = []fusion.Result{{Path: p.Query, Score: 1}}
		}
	default:
		err = errors.New(errors.InvalidInput, "engine.Engine.Search", "unknown search mode: "+string(p.Mode))
		return nil, err
	}
	return results, nil
}

// LinkParams is the link primitive's parameter object.
type LinkParams struct {
	From, To, Kind string
	Weight         float64
	Attributes     map[string]any
}

// Link inserts an edge.
func (e *Engine) Link(ctx context.Context, id Identity, p LinkParams) (err error) {
	ev := eventbus.NewEvent("link", id.AgentID, id.SessionID, fingerprint(p))
	defer func() { e.finish(ev, err) }()
	defer e.recoverInternal("engine.Engine.Link")

	err = e.b.Graph.AddEdge(p.From, p.To, p.Kind, p.Weight, p.Attributes)
	return err
}

// TransformParams is the transform primitive's parameter object.
type TransformParams struct {
	Operation string
	Inputs    []string
	Params    map[string]any
}

// Transform invokes a named operation from the registry.
func (e *Engine) Transform(ctx context.Context, id Identity, p TransformParams) (result map[string]any, err error) {
	ev := eventbus.NewEvent("transform", id.AgentID, id.SessionID, fingerprint(p))
	defer func() { e.finish(ev, err) }()
	defer e.recoverInternal("engine.Engine.Transform")

	fn, ok := e.transforms[p.Operation]
	if !ok {
		err = errors.New(errors.InvalidInput, "engine.Engine.Transform", fmt.Sprintf("unknown transform: %s", p.Operation))
		return nil, err
	}
	result, err = fn(ctx, e, p.Inputs, p.Params)
	return result, err
}

func (e *Engine) finish(ev eventbus.Event, err error) {
	ev.EndedAt = time.Now()
	if err != nil {
		if errors.KindOf(err) == errors.Cancelled {
			ev.Result = "cancelled"
		} else {
			ev.Result = "error"
		}
		ev.Err = err.Error()
	} else {
		ev.Result = "ok"
	}
	e.b.Events.Publish(ev)
}
