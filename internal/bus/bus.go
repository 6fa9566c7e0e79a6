package bus

import (
	"context"
	"sync"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

// EventType distinguishes the two event kinds on the socket layer.
type EventType string

const (
	// EventLocation carries a high-frequency runner position. Best effort,
	// may be dropped or arrive out of order; latest wins.
	EventLocation EventType = "locationUpdate"
	// EventStatus is a low-latency hint that a status changed. Never applied
	// directly; it triggers a re-read of the authoritative change feed.
	EventStatus EventType = "statusUpdate"
)

// Event is the wire payload of the per-job pub/sub channel.
type Event struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id"`
	RunnerID string           `json:"runner_id,omitempty"`
	Loc      *models.GeoPoint `json:"loc,omitempty"`
	Status   models.JobStatus `json:"status,omitempty"`
	At       time.Time        `json:"at"`
}

// Bus is the socket/pub-sub transport keyed by job id. Joining a job's room
// is SubscribeJob; the returned cancel leaves it.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	SubscribeJob(ctx context.Context, jobID string, onEvent func(Event)) (cancel func(), err error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryBus is the in-process Bus for tests and single-node runs.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]func(Event)
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]func(Event))}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs[ev.JobID]))
	for _, h := range b.subs[ev.JobID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) SubscribeJob(ctx context.Context, jobID string, onEvent func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.subs[jobID][id] = onEvent
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[jobID], id)
	}, nil
}

func (b *MemoryBus) Ping(ctx context.Context) error { return nil }
func (b *MemoryBus) Close() error                   { return nil }
