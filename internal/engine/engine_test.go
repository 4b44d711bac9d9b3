package engine

import (
	"context"
	"testing"

	"agrama/internal/crdt"
	"agrama/internal/errors"
	"agrama/internal/eventbus"
	"agrama/internal/fusion"
	"agrama/internal/graph"
	"agrama/internal/lexical"
	"agrama/internal/logging"
	"agrama/internal/pool"
	"agrama/internal/semantic"
	"agrama/internal/temporal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logging.NewNop()
	pools, err := pool.New(pool.PoolSizes{Requests: 4, Responses: 4, Objects: 4, Vectors: 4}, 1<<16, 4)
	if err != nil {
		t.Fatal(err)
	}
	temp := temporal.New(log.For(logging.ComponentTemporal), []string{"src", "docs", "notes"})
	lex := lexical.New(log.For(logging.ComponentLexical), lexical.DefaultParams())
	sem := semantic.New(log.For(logging.ComponentSemantic), 4, semantic.Params{M: 8, M0: 16, EFConstruction: 50, EFSearch: 32, LevelMultiplier: 1.4})
	gr := graph.New(log.For(logging.ComponentGraph))
	fus := fusion.New(log.For(logging.ComponentFusion), lex, sem, gr)
	bus := eventbus.New(log.For(logging.ComponentEvents))
	crdtStore := crdt.NewStore()

	b := Backends{
		Temporal: temp, Lexical: lex, Semantic: sem, Graph: gr,
		Fusion: fus, CRDT: crdtStore, Pools: pools, Events: bus,
	}
	return New(log.For(logging.ComponentEngine), b, nil)
}

func TestStoreCommitsTemporalOnly(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Store(context.Background(), Identity{AgentID: "a"}, StoreParams{Path: "src/a", Content: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TemporalCommitted || res.LexicalCommitted || res.SemanticCommitted {
		t.Fatalf("unexpected commit state: %+v", res)
	}
}

func TestStoreCommitsAllIndices(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Store(context.Background(), Identity{AgentID: "a"}, StoreParams{
		Path: "src/a", Content: []byte("hello world"), TokensToIndex: "hello world", Embedding: []float32{1, 2, 3, 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TemporalCommitted || !res.LexicalCommitted || !res.SemanticCommitted {
		t.Fatalf("expected all three committed: %+v", res)
	}
}

func TestStoreRejectsMismatchedEmbeddingBeforeAnyCommit(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Store(context.Background(), Identity{}, StoreParams{
		Path: "src/a", Content: []byte("x"), TokensToIndex: "some text", Embedding: []float32{1, 2},
	})
	if errors.KindOf(err) != errors.DimensionMismatch {
		t.Fatalf("expected dimension_mismatch, got %v", err)
	}
	if _, err := e.Retrieve(context.Background(), Identity{}, RetrieveParams{Path: "src/a"}); errors.KindOf(err) != errors.NotFound {
		t.Fatalf("expected no temporal commit after rejection, got %v", err)
	}
	if results, serr := e.Search(context.Background(), Identity{}, SearchParams{Mode: ModeLexical, Query: "some text", Limit: 5}); serr != nil || len(results) != 0 {
		t.Fatalf("expected no lexical commit after rejection, got %v (%v)", results, serr)
	}
}

func TestStoreRejectsInvalidPath(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "/etc/passwd", Content: []byte("x")})
	if errors.KindOf(err) != errors.InvalidPath {
		t.Fatalf("expected invalid_path, got %v", err)
	}
}

func TestRetrieveRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/x", Content: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/x", Content: []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Retrieve(context.Background(), Identity{}, RetrieveParams{Path: "docs/x", HistoryLimit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Content) != "v2" {
		t.Fatalf("expected current content v2, got %q", res.Content)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(res.History))
	}
}

func TestStoreMetadataRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	md := map[string]any{"owner": "agent-1", "priority": "high"}
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/x", Content: []byte("v"), Metadata: md}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Retrieve(context.Background(), Identity{}, RetrieveParams{Path: "docs/x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata["owner"] != "agent-1" || res.Metadata["priority"] != "high" {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
}

func TestRetrieveIncludesNeighbors(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "notes/a", Content: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := e.Link(context.Background(), Identity{}, LinkParams{From: "notes/a", To: "notes/b", Kind: "ref"}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Retrieve(context.Background(), Identity{}, RetrieveParams{Path: "notes/a", IncludeNeighbors: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NeighborsOut) != 1 || res.NeighborsOut[0].To != "notes/b" {
		t.Fatalf("unexpected neighbors: %+v", res.NeighborsOut)
	}
}

func TestSearchLexicalMode(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/a", Content: []byte("x"), TokensToIndex: "authentication middleware"}); err != nil {
		t.Fatal(err)
	}
	results, err := e.Search(context.Background(), Identity{}, SearchParams{Mode: ModeLexical, Query: "authentication", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "docs/a" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchHybridMode(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{
		Path: "docs/a", Content: []byte("x"), TokensToIndex: "authentication middleware", Embedding: []float32{1, 0, 0, 0},
	}); err != nil {
		t.Fatal(err)
	}
	results, err := e.Search(context.Background(), Identity{}, SearchParams{
		Mode: ModeHybrid, Query: "authentication", Embedding: []float32{1, 0, 0, 0},
		Weights: fusion.Weights{Lexical: 0.5, Semantic: 0.5, Graph: 0}, Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "docs/a" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchUnknownModeRejected(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Search(context.Background(), Identity{}, SearchParams{Mode: "bogus"}); errors.KindOf(err) != errors.InvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestLinkRejectsNegativeWeight(t *testing.T) {
	e := newTestEngine(t)
	err := e.Link(context.Background(), Identity{}, LinkParams{From: "a", To: "b", Kind: "k", Weight: -1})
	if errors.KindOf(err) != errors.NegativeWeight {
		t.Fatalf("expected negative_weight, got %v", err)
	}
}

func TestTransformConcat(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/a", Content: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Store(context.Background(), Identity{}, StoreParams{Path: "docs/b", Content: []byte("world")}); err != nil {
		t.Fatal(err)
	}
	result, err := e.Transform(context.Background(), Identity{}, TransformParams{Operation: "concat", Inputs: []string{"docs/a", "docs/b"}})
	if err != nil {
		t.Fatal(err)
	}
	if result["content"] != "hello\nworld" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTransformUnknownOperation(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Transform(context.Background(), Identity{}, TransformParams{Operation: "nope"}); errors.KindOf(err) != errors.InvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestStoreCancelledContextSurfacesCancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Store(ctx, Identity{}, StoreParams{Path: "docs/a", Content: []byte("x")})
	if errors.KindOf(err) != errors.Cancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestEventsArePublishedOnEveryInvocation(t *testing.T) {
	e := newTestEngine(t)
	ch, unsub := e.b.Events.Subscribe(eventbus.Filter{}, 8)
	defer unsub()

	if _, err := e.Store(context.Background(), Identity{AgentID: "agent-1"}, StoreParams{Path: "docs/a", Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Primitive != "store" || ev.Result != "ok" || ev.AgentID != "agent-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an event to have been published")
	}
}
