package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
)

type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) record(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func startPublisher(t *testing.T, ms *store.MemoryStore, b bus.Bus, reg registry.Registry, jobID string, src PositionSource) *Publisher {
	t.Helper()
	p := &Publisher{
		JobID:    jobID,
		RunnerID: "r1",
		Bus:      b,
		Reg:      reg,
		Store:    ms,
		Source:   src,
		Interval: 10 * time.Millisecond,
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPublisherEmitsAndPersists(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	reg := registry.NewIndex()
	j := seedJob(t, ms, models.StatusOnTheWay)

	sink := &eventSink{}
	stop, err := b.SubscribeJob(context.Background(), j.ID, sink.record)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	pos := models.GeoPoint{Lat: 6.50, Lon: 3.37}
	p := startPublisher(t, ms, b, reg, j.ID, func(ctx context.Context) (models.GeoPoint, bool) {
		return pos, true
	})
	defer p.Stop()

	waitFor(t, func() bool { return sink.count() >= 2 }, "no periodic emission")

	rn, ok, err := reg.Get(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("runner not persisted: ok=%v err=%v", ok, err)
	}
	if rn.Loc != pos {
		t.Fatalf("location not persisted: %+v", rn)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	ev := sink.events[0]
	if ev.Type != bus.EventLocation || ev.RunnerID != "r1" || ev.Loc == nil || *ev.Loc != pos {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPublisherStopsWhenJobLeavesTrackableStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	reg := registry.NewIndex()
	j := seedJob(t, ms, models.StatusOnTheWay)

	sink := &eventSink{}
	stop, err := b.SubscribeJob(context.Background(), j.ID, sink.record)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	p := startPublisher(t, ms, b, reg, j.ID, func(ctx context.Context) (models.GeoPoint, bool) {
		return models.GeoPoint{Lat: 6.50, Lon: 3.37}, true
	})
	defer p.Stop()

	waitFor(t, func() bool { return sink.count() >= 1 }, "no emission before completion")

	entry := models.StatusEntry{Status: models.StatusCompleted, Timestamp: time.Now()}
	if _, err := ms.ConditionalUpdate(context.Background(), j.ID,
		store.Expect{Status: store.StatusOf(models.StatusOnTheWay)},
		store.Update{Status: store.StatusOf(models.StatusCompleted), AppendHistory: &entry}); err != nil {
		t.Fatal(err)
	}

	// the loop should notice the terminal status and quit on its own
	var settled int
	waitFor(t, func() bool {
		n := sink.count()
		if n == settled {
			return true
		}
		settled = n
		time.Sleep(50 * time.Millisecond)
		return false
	}, "emission never stopped")

	time.Sleep(50 * time.Millisecond)
	if sink.count() != settled {
		t.Fatalf("ticker still firing after job completed: %d -> %d", settled, sink.count())
	}
}

func TestPublisherSkipsTicksWithoutFix(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	reg := registry.NewIndex()
	j := seedJob(t, ms, models.StatusAccepted)

	sink := &eventSink{}
	stop, err := b.SubscribeJob(context.Background(), j.ID, sink.record)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	p := startPublisher(t, ms, b, reg, j.ID, func(ctx context.Context) (models.GeoPoint, bool) {
		return models.GeoPoint{}, false
	})
	time.Sleep(60 * time.Millisecond)
	p.Stop()
	p.Stop() // idempotent

	if sink.count() != 0 {
		t.Fatalf("emitted without a position fix: %d events", sink.count())
	}
}
