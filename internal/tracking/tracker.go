package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/observability"
	"github.com/example/errand-dispatch/internal/store"
)

// View is the coherent per-job picture presented to every party. Status and
// customer location come from the change feed only; runner location is the
// latest socket payload, overwritten as it arrives. Distance and ETA are
// recomputed on every merge, never cached beyond the current pair.
type View struct {
	JobID       string           `json:"job_id"`
	Status      models.JobStatus `json:"status"`
	RunnerLoc   *models.GeoPoint `json:"runner_loc,omitempty"`
	RunnerLocAt time.Time        `json:"runner_loc_at,omitempty"`
	CustomerLoc *models.GeoPoint `json:"customer_loc,omitempty"`
	DistanceKm  float64          `json:"distance_km"`
	EtaMinutes  int              `json:"eta_minutes"`
	Degraded    bool             `json:"degraded"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Tracker merges the document-store change feed with the per-job pub/sub
// channel into one View and re-broadcasts deltas to its subscribers.
//
// Merge policy: a statusUpdate from the bus is only a hint and triggers a
// re-read of the store, because status changes carry side effects that must
// go through the state machine exactly once. A locationUpdate is applied
// directly. Bus loss is non-fatal: the tracker degrades to change-feed-only
// and reconnects with backoff; it never blocks a transition.
type Tracker struct {
	jobID    string
	store    store.JobStore
	bus      bus.Bus
	log      *slog.Logger
	speedKmh float64

	mu     sync.Mutex
	view   View
	subs   map[int]chan View
	nextID int

	ctx      context.Context
	cancel   context.CancelFunc
	busStop  func()
	feedStop func()
	wg       sync.WaitGroup
}

// NewTracker starts tracking jobID. Close must be called when the owning
// session ends; a leaked tracker keeps feed and bus subscriptions alive.
func NewTracker(ctx context.Context, js store.JobStore, b bus.Bus, jobID string, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		jobID:    jobID,
		store:    js,
		bus:      b,
		log:      log.With("job_id", jobID),
		speedKmh: geo.DefaultSpeedKmh,
		view:     View{JobID: jobID},
		subs:     make(map[int]chan View),
		ctx:      ctx,
		cancel:   cancel,
	}

	feed, feedStop, err := js.Subscribe(ctx, jobID)
	if err != nil {
		cancel()
		return nil, err
	}
	t.feedStop = feedStop

	// seed from the authoritative document before any feed event lands
	if j, err := js.Get(ctx, jobID); err == nil {
		t.mergeSnapshot(j)
	}

	t.wg.Add(1)
	go t.feedLoop(feed)
	t.wg.Add(1)
	go t.busLoop()
	return t, nil
}

// Subscribe registers a party for view deltas. The cancel func must be
// called when the party's session ends.
func (t *Tracker) Subscribe() (<-chan View, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan View, 8)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	// deliver current state so subscribers never start blank
	ch <- t.view
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Snapshot returns the current merged view.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// Close tears the tracker down: feed subscription, bus subscription, and all
// party channels. Idempotent.
func (t *Tracker) Close() {
	t.cancel()
	if t.feedStop != nil {
		t.feedStop()
	}
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busStop != nil {
		t.busStop()
		t.busStop = nil
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

func (t *Tracker) feedLoop(feed <-chan *models.Job) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case j, ok := <-feed:
			if !ok {
				return
			}
			t.mergeSnapshot(j)
		}
	}
}

// busLoop keeps the pub/sub subscription alive with backoff. While the bus
// is down the view is flagged degraded and the change feed carries on alone.
func (t *Tracker) busLoop() {
	defer t.wg.Done()
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if t.ctx.Err() != nil {
			return
		}
		stop, err := t.bus.SubscribeJob(t.ctx, t.jobID, t.onBusEvent)
		if err != nil {
			t.setDegraded(true)
			t.log.Warn("bus subscribe failed; change-feed only", "error", err, "retry_in", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		t.mu.Lock()
		t.busStop = stop
		t.mu.Unlock()
		t.setDegraded(false)
		return
	}
}

func (t *Tracker) onBusEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventLocation:
		if ev.Loc == nil || !geo.ValidPoint(*ev.Loc) {
			return
		}
		t.mu.Lock()
		loc := *ev.Loc
		t.view.RunnerLoc = &loc
		t.view.RunnerLocAt = ev.At
		t.recomputeLocked()
		t.broadcastLocked()
		t.mu.Unlock()
	case bus.EventStatus:
		// hint only: re-read the authoritative document
		j, err := t.store.Get(t.ctx, t.jobID)
		if err != nil {
			t.log.Warn("status hint re-read failed", "error", err)
			return
		}
		t.mergeSnapshot(j)
	}
}

func (t *Tracker) mergeSnapshot(j *models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.Status = j.Status
	if j.CustomerLoc != nil {
		loc := *j.CustomerLoc
		t.view.CustomerLoc = &loc
	}
	t.recomputeLocked()
	t.broadcastLocked()
}

func (t *Tracker) recomputeLocked() {
	t.view.UpdatedAt = time.Now()
	if t.view.RunnerLoc == nil || t.view.CustomerLoc == nil {
		t.view.DistanceKm = 0
		t.view.EtaMinutes = 0
		return
	}
	t.view.DistanceKm = geo.DistanceKm(*t.view.RunnerLoc, *t.view.CustomerLoc)
	t.view.EtaMinutes = geo.EtaMinutes(t.view.DistanceKm, t.speedKmh)
}

func (t *Tracker) broadcastLocked() {
	observability.TrackerBroadcasts.Inc()
	for _, ch := range t.subs {
		select {
		case ch <- t.view:
		default:
		}
	}
}

func (t *Tracker) setDegraded(v bool) {
	t.mu.Lock()
	changed := t.view.Degraded != v
	t.view.Degraded = v
	if changed {
		if v {
			observability.TrackerDegraded.Inc()
		} else {
			observability.TrackerDegraded.Dec()
		}
		t.broadcastLocked()
	}
	t.mu.Unlock()
}
