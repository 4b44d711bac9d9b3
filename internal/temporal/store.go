// Package temporal implements the temporal key-value store: current
// content per path plus the complete ordered history of changes.
// Entities are created implicitly by the first write to their path;
// change records are append-only and never mutated or deleted.
package temporal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"agrama/internal/errors"
	"agrama/internal/logging"
)

// Record is an immutable change record: a (timestamp, path, content)
// triple.
type Record struct {
	Timestamp time.Time
	Path      string
	Content   []byte
}

type entity struct {
	current  []byte
	history  []Record // oldest first; append-only
	metadata map[string]any
}

// Store holds current content and full history for every path.
type Store struct {
	mu              sync.RWMutex
	entities        map[string]*entity
	allowedPrefixes []string
	log             *zap.Logger
	now             func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an empty Store. allowedPrefixes is the first-segment
// allow-list applied to file-like paths.
func New(log *zap.Logger, allowedPrefixes []string, opts ...Option) *Store {
	s := &Store{
		entities:        make(map[string]*entity),
		allowedPrefixes: allowedPrefixes,
		log:             log,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put validates path, takes an owning copy of path and content, and
// atomically replaces current content while appending a change record.
// A failed Put leaves the store in its pre-call state, because
// validation happens before any mutation.
func (s *Store) Put(path string, content []byte) error {
	timer := logging.StartTimer(s.log, "Put")
	defer timer.Stop()

	if err := ValidatePath(path, s.allowedPrefixes); err != nil {
		return err
	}

	contentCopy := make([]byte, len(content))
	copy(contentCopy, content)
	pathCopy := path // strings are already immutable owning copies

	rec := Record{Timestamp: s.now(), Path: pathCopy, Content: contentCopy}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[pathCopy]
	if !ok {
		e = &entity{}
		s.entities[pathCopy] = e
	}
	// History order invariant: timestamps are non-decreasing within a
	// path. A clock that moves backward is clamped forward rather than
	// silently violating the invariant.
	if n := len(e.history); n > 0 && rec.Timestamp.Before(e.history[n-1].Timestamp) {
		rec.Timestamp = e.history[n-1].Timestamp
	}
	e.history = append(e.history, rec)
	e.current = contentCopy

	s.log.Debug("put", zap.String("path", pathCopy), zap.Int("content_len", len(contentCopy)), zap.Int("history_len", len(e.history)))
	return nil
}

// Get returns the current content of path, or NotFound.
func (s *Store) Get(path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[path]
	if !ok {
		return nil, errors.New(errors.NotFound, "temporal.Store.Get", "path not found: "+path)
	}
	out := make([]byte, len(e.current))
	copy(out, e.current)
	return out, nil
}

// History returns up to limit change records, newest first. limit <= 0
// means "all records".
func (s *Store) History(path string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[path]
	if !ok {
		return nil, errors.New(errors.NotFound, "temporal.Store.History", "path not found: "+path)
	}

	n := len(e.history)
	count := n
	if limit > 0 && limit < n {
		count = limit
	}
	out := make([]Record, count)
	for i := 0; i < count; i++ {
		src := e.history[n-1-i]
		cpy := make([]byte, len(src.Content))
		copy(cpy, src.Content)
		out[i] = Record{Timestamp: src.Timestamp, Path: src.Path, Content: cpy}
	}
	return out, nil
}

// SetMetadata replaces path's agent-supplied metadata mapping.
// Metadata is last-writer-wins, not merged; collaborative merge
// applies to content only.
func (s *Store) SetMetadata(path string, md map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[path]
	if !ok {
		return errors.New(errors.NotFound, "temporal.Store.SetMetadata", "path not found: "+path)
	}
	cp := make(map[string]any, len(md))
	for k, v := range md {
		cp[k] = v
	}
	e.metadata = cp
	return nil
}

// Metadata returns a copy of path's metadata mapping; nil if none was set.
func (s *Store) Metadata(path string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[path]
	if !ok {
		return nil, errors.New(errors.NotFound, "temporal.Store.Metadata", "path not found: "+path)
	}
	if e.metadata == nil {
		return nil, nil
	}
	cp := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		cp[k] = v
	}
	return cp, nil
}

// Exists reports whether path has ever been written, without returning
// its content. Callers use it to tell a dangling edge apart from one
// pointing at live content; both are valid.
func (s *Store) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[path]
	return ok
}

// Snapshot returns every path's current content and full history, for
// internal/db.Core.Snapshot. Order is unspecified.
func (s *Store) Snapshot() map[string][]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Record, len(s.entities))
	for path, e := range s.entities {
		hist := make([]Record, len(e.history))
		copy(hist, e.history)
		out[path] = hist
	}
	return out
}

// MetadataSnapshot returns every path's metadata mapping, skipping
// paths with none set.
func (s *Store) MetadataSnapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any)
	for path, e := range s.entities {
		if len(e.metadata) == 0 {
			continue
		}
		cp := make(map[string]any, len(e.metadata))
		for k, v := range e.metadata {
			cp[k] = v
		}
		out[path] = cp
	}
	return out
}

// RestoreMetadata reattaches captured metadata after Restore. Paths
// absent from the store are skipped.
func (s *Store) RestoreMetadata(meta map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, md := range meta {
		if e, ok := s.entities[path]; ok {
			e.metadata = md
		}
	}
}

// Restore replaces the store's contents with a previously captured
// Snapshot. Intended for use against a freshly constructed Store only.
func (s *Store) Restore(snapshot map[string][]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]*entity, len(snapshot))
	for path, hist := range snapshot {
		e := &entity{history: append([]Record(nil), hist...)}
		if n := len(e.history); n > 0 {
			e.current = e.history[n-1].Content
		}
		s.entities[path] = e
	}
}
