// Package logging provides the structured, component-tagged logger used
// throughout the core. It holds no package-level mutable state: every
// Logger is a value owned by the Core aggregate (or a test),
// constructed once and threaded down to backends explicitly.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component tags a log line with the subsystem that emitted it, so
// output stays greppable by backend.
type Component string

const (
	ComponentPool     Component = "pool"
	ComponentTemporal Component = "temporal"
	ComponentLexical  Component = "lexical"
	ComponentSemantic Component = "semantic"
	ComponentGraph    Component = "graph"
	ComponentFusion   Component = "fusion"
	ComponentEngine   Component = "engine"
	ComponentEvents   Component = "eventbus"
	ComponentCRDT     Component = "crdt"
	ComponentDB       Component = "db"
)

// Logger wraps a *zap.Logger scoped to one component.
type Logger struct {
	z *zap.Logger
}

// New builds a production-profile logger writing leveled, structured
// output at the given minimum level ("debug", "info", "warn", "error").
func New(level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a logger that discards everything, for tests that
// don't care about log output.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// For returns a child logger tagged with component.
func (l *Logger) For(c Component) *zap.Logger {
	return l.z.With(zap.String("component", string(c)))
}

// Sync flushes buffered log entries. Call on shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Timer measures and logs the duration of an operation on Stop.
type Timer struct {
	log   *zap.Logger
	op    string
	start time.Time
}

// StartTimer begins timing op against the given component logger.
func StartTimer(log *zap.Logger, op string) *Timer {
	return &Timer{log: log, op: op, start: time.Now()}
}

// Stop logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	t.log.Debug("op timing", zap.String("op", t.op), zap.Duration("elapsed", time.Since(t.start)))
}
