// Package eventbus implements the non-blocking in-process event bus:
// every primitive invocation emits one completion event, and
// subscribers filtered by primitive name or agent identity observe it
// without ever back-pressuring the primitive that published it. The
// bus is instance-owned; there is no package-level default bus.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one completed (or cancelled) primitive invocation.
type Event struct {
	ID        string
	Primitive string // store | retrieve | search | link | transform
	AgentID   string
	SessionID string
	ParamHash string // fingerprint of the invocation's parameters
	StartedAt time.Time
	EndedAt   time.Time
	Result    string // "ok" | "cancelled" | "error"
	Warnings  []string
	Err       string
}

// Filter selects which events a subscriber receives. A zero-value
// Filter (all fields empty) matches every event ("all").
type Filter struct {
	Primitive string
	AgentID   string
}

func (f Filter) matches(e Event) bool {
	if f.Primitive != "" && f.Primitive != e.Primitive {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	return true
}

type subscriber struct {
	id     string
	filter Filter
	ch     chan Event
}

// Bus is an instance-owned, non-blocking publish/subscribe event
// stream. Callers own their Bus (via internal/db.Core); there is no
// package-level default bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	log  *zap.Logger
}

// New builds an empty Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{subs: make(map[string]*subscriber), log: log}
}

// Subscribe registers a new subscriber matching filter and returns a
// receive channel plus an unsubscribe function. bufferSize bounds how
// many unconsumed events the subscriber can lag behind before Publish
// starts dropping events for it; a slow subscriber never blocks
// Publish itself.
func (b *Bus) Subscribe(filter Filter, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	s := &subscriber{id: uuid.NewString(), filter: filter, ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		close(s.ch)
	}
}

// Publish fans event out to every matching subscriber without
// blocking: a subscriber whose buffer is full has the event dropped
// for it, and Publish logs the drop at debug rather than waiting.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.log.Debug("dropped event for slow subscriber", zap.String("subscriber", s.id), zap.String("primitive", e.Primitive))
		}
	}
}

// NewEvent builds an Event for a just-started invocation; callers fill
// in EndedAt/Result/Warnings/Err once the invocation settles and pass
// it to Publish.
func NewEvent(primitive, agentID, sessionID, paramHash string) Event {
	return Event{
		ID:        uuid.NewString(),
		Primitive: primitive,
		AgentID:   agentID,
		SessionID: sessionID,
		ParamHash: paramHash,
		StartedAt: time.Now(),
	}
}
