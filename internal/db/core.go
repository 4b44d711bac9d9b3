// Package db provides the Core aggregate: the single object that owns
// configuration, the logger, every backend, and the primitive engine
// that dispatches to them. Open wires pools first, then each backend,
// then the planner and event bus that depend on them, then the engine;
// there is no package-level state anywhere in the core.
package db

import (
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"agrama/internal/config"
	"agrama/internal/crdt"
	"agrama/internal/engine"
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

// Core owns every backend and is the sole object adapters (cmd/agramactl,
// a future JSON-RPC adapter) talk to.
type Core struct {
	Config *config.Config
	Log    *logging.Logger

	Temporal *temporal.Store
	Lexical  *lexical.Ranker
	Semantic *semantic.Index
	Graph    *graph.Graph
	Fusion   *fusion.Planner
	Events   *eventbus.Bus
	CRDT     *crdt.Store
	Pools    *pool.Pools

	Engine *engine.Engine
}

// Open validates cfg and wires every backend into a ready-to-use Core.
func Open(cfg *config.Config, extraTransforms map[string]engine.TransformFunc) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.InvalidInput, "db.Open", "invalid configuration", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "db.Open", "failed to build logger", err)
	}

	pools, err := pool.New(pool.PoolSizes{
		Requests:  cfg.PoolSizes[config.PoolRequestBuffer],
		Responses: cfg.PoolSizes[config.PoolResponseBuffer],
		Objects:   cfg.PoolSizes[config.PoolJSONObject],
		Vectors:   cfg.PoolSizes[config.PoolVectorBlock],
	}, cfg.ArenaSize, cfg.EmbeddingDim)
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "db.Open", "failed to build pools", err)
	}

	temp := temporal.New(log.For(logging.ComponentTemporal), cfg.AllowedPathPrefixes)
	lex := lexical.New(log.For(logging.ComponentLexical), lexical.Params{K: cfg.BM25.K, B: cfg.BM25.B})
	sem := semantic.New(log.For(logging.ComponentSemantic), cfg.EmbeddingDim, semantic.Params{
		M: cfg.HNSW.M, M0: cfg.HNSW.M0, EFConstruction: cfg.HNSW.EFConstruction,
		EFSearch: cfg.HNSW.EFSearch, LevelMultiplier: cfg.HNSW.LevelMultiplier,
	})
	gr := graph.New(log.For(logging.ComponentGraph))
	fus := fusion.New(log.For(logging.ComponentFusion), lex, sem, gr)
	bus := eventbus.New(log.For(logging.ComponentEvents))
	crdtStore := crdt.NewStore()

	eng := engine.New(log.For(logging.ComponentEngine), engine.Backends{
		Temporal: temp, Lexical: lex, Semantic: sem, Graph: gr,
		Fusion: fus, CRDT: crdtStore, Pools: pools, Events: bus,
	}, extraTransforms)

	return &Core{
		Config: cfg, Log: log,
		Temporal: temp, Lexical: lex, Semantic: sem, Graph: gr,
		Fusion: fus, Events: bus, CRDT: crdtStore, Pools: pools,
		Engine: eng,
	}, nil
}

// Close flushes the logger. Backends hold no other external resources;
// the core performs no I/O.
func (c *Core) Close() error {
	return c.Log.Sync()
}

// snapshotEnvelope is the versioned, self-describing format
// Core.Snapshot writes and Core.Restore reads: a plain JSON envelope
// holding temporal history, entity metadata, and graph edges.
type snapshotEnvelope struct {
	Version  int                          `json:"version"`
	Temporal map[string][]temporal.Record `json:"temporal"`
	Metadata map[string]map[string]any    `json:"metadata,omitempty"`
	Graph    []graph.Edge                 `json:"graph"`
}

const snapshotVersion = 1

// Snapshot writes a self-describing capture of the temporal store and
// graph to w. The lexical and semantic indices are derivable from
// temporal content plus re-indexing, so they are intentionally
// excluded from the envelope; a caller restoring a snapshot expecting
// full-text/vector search should replay stores through Engine.Store
// rather than relying on Snapshot/Restore alone.
func (c *Core) Snapshot(w io.Writer) error {
	env := snapshotEnvelope{
		Version:  snapshotVersion,
		Temporal: c.Temporal.Snapshot(),
		Metadata: c.Temporal.MetadataSnapshot(),
		Graph:    c.Graph.Snapshot(),
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(env); err != nil {
		return errors.Wrap(errors.Internal, "db.Core.Snapshot", "failed to encode snapshot", err)
	}
	return nil
}

// Restore replaces the temporal store and graph's contents with a
// previously captured Snapshot. Intended for use immediately after
// Open, against a Core with no prior writes.
func (c *Core) Restore(r io.Reader) error {
	var env snapshotEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return errors.Wrap(errors.InvalidInput, "db.Core.Restore", "failed to decode snapshot", err)
	}
	if env.Version != snapshotVersion {
		return errors.New(errors.InvalidInput, "db.Core.Restore", "unsupported snapshot version")
	}
	c.Temporal.Restore(env.Temporal)
	c.Temporal.RestoreMetadata(env.Metadata)
	c.Graph.Restore(env.Graph)
	c.Log.For(logging.ComponentDB).Info("restored snapshot", zap.Int("paths", len(env.Temporal)), zap.Int("edges", len(env.Graph)))
	return nil
}
