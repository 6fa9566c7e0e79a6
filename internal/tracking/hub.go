package tracking

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/store"
)

// Hub shares one Tracker per job among all watching sessions and tears it
// down when the last one leaves.
type Hub struct {
	store store.JobStore
	bus   bus.Bus
	log   *slog.Logger

	mu       sync.Mutex
	trackers map[string]*hubEntry
}

type hubEntry struct {
	tr   *Tracker
	refs int
}

func NewHub(js store.JobStore, b bus.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{store: js, bus: b, log: log, trackers: make(map[string]*hubEntry)}
}

// Acquire returns the job's tracker, creating it on first use. The release
// func must be called when the session ends; the tracker closes when the
// last reference goes.
func (h *Hub) Acquire(ctx context.Context, jobID string) (*Tracker, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.trackers[jobID]
	if !ok {
		// the tracker outlives the acquiring session; its lifetime is
		// reference counting plus Close, not the first watcher's context
		tr, err := NewTracker(context.Background(), h.store, h.bus, jobID, h.log)
		if err != nil {
			return nil, nil, err
		}
		e = &hubEntry{tr: tr}
		h.trackers[jobID] = e
	}
	e.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			e.refs--
			last := e.refs == 0
			if last {
				delete(h.trackers, jobID)
			}
			h.mu.Unlock()
			if last {
				e.tr.Close()
			}
		})
	}
	return e.tr, release, nil
}

// Close tears down every live tracker regardless of reference counts.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.trackers))
	for id, e := range h.trackers {
		entries = append(entries, e)
		delete(h.trackers, id)
	}
	h.mu.Unlock()
	for _, e := range entries {
		e.tr.Close()
	}
}
