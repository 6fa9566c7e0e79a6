package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/store"
)

func seedJob(t *testing.T, ms *store.MemoryStore, status models.JobStatus) *models.Job {
	t.Helper()
	j, err := ms.Create(context.Background(), &models.Job{
		Kind:         models.KindOrder,
		Status:       status,
		BuyerID:      "buyer-1",
		RunnerID:     "r1",
		Pickup:       models.GeoPoint{Lat: 6.5244, Lon: 3.3792},
		Dropoff:      models.GeoPoint{Lat: 6.53, Lon: 3.385},
		CustomerLoc:  &models.GeoPoint{Lat: 6.53, Lon: 3.385},
		DeliveryMode: models.ModeDelivery,
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// publishLoc sends a location event for the job and reports whether the
// tracker has applied it. The bus subscription comes up asynchronously, so
// callers retry until the first event lands.
func publishLoc(t *testing.T, b bus.Bus, tr *Tracker, jobID string, loc models.GeoPoint) bool {
	t.Helper()
	l := loc
	ev := bus.Event{Type: bus.EventLocation, JobID: jobID, RunnerID: "r1", Loc: &l, At: time.Now()}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	v := tr.Snapshot()
	return v.RunnerLoc != nil && v.RunnerLoc.Lat == loc.Lat && v.RunnerLoc.Lon == loc.Lon
}

func TestLatestLocationWins(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	j := seedJob(t, ms, models.StatusOnTheWay)

	tr, err := NewTracker(context.Background(), ms, b, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	first := models.GeoPoint{Lat: 6.50, Lon: 3.37}
	waitFor(t, func() bool {
		return publishLoc(t, b, tr, j.ID, first)
	}, "first location never applied")

	second := models.GeoPoint{Lat: 6.51, Lon: 3.375}
	waitFor(t, func() bool {
		return publishLoc(t, b, tr, j.ID, second)
	}, "latest location never applied")

	v := tr.Snapshot()
	if v.DistanceKm <= 0 {
		t.Fatalf("distance not recomputed: %+v", v)
	}
	if v.EtaMinutes <= 0 {
		t.Fatalf("eta not recomputed: %+v", v)
	}
}

func TestInvalidLocationIgnored(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	j := seedJob(t, ms, models.StatusOnTheWay)

	tr, err := NewTracker(context.Background(), ms, b, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	good := models.GeoPoint{Lat: 6.50, Lon: 3.37}
	waitFor(t, func() bool {
		return publishLoc(t, b, tr, j.ID, good)
	}, "valid location never applied")

	bad := models.GeoPoint{Lat: 120, Lon: 3.37}
	ev := bus.Event{Type: bus.EventLocation, JobID: j.ID, Loc: &bad, At: time.Now()}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if v := tr.Snapshot(); v.RunnerLoc == nil || v.RunnerLoc.Lat != good.Lat {
		t.Fatalf("invalid location applied: %+v", v)
	}
}

func TestStatusHintTriggersAuthoritativeReRead(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	j := seedJob(t, ms, models.StatusAccepted)

	tr, err := NewTracker(context.Background(), ms, b, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	// make sure the bus subscription is live before the hint goes out
	probe := models.GeoPoint{Lat: 6.50, Lon: 3.37}
	waitFor(t, func() bool {
		return publishLoc(t, b, tr, j.ID, probe)
	}, "bus subscription never came up")

	// bus claims completed but the store still says accepted; the store wins
	ev := bus.Event{Type: bus.EventStatus, JobID: j.ID, Status: models.StatusCompleted, At: time.Now()}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if v := tr.Snapshot(); v.Status != models.StatusAccepted {
		t.Fatalf("bus status applied without re-read: %+v", v)
	}
}

func TestChangeFeedDrivesStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	j := seedJob(t, ms, models.StatusAccepted)

	tr, err := NewTracker(context.Background(), ms, b, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	sub, cancel := tr.Subscribe()
	defer cancel()
	if v := <-sub; v.Status != models.StatusAccepted {
		t.Fatalf("initial view not delivered: %+v", v)
	}

	entry := models.StatusEntry{Status: models.StatusInProgress, Timestamp: time.Now()}
	_, err = ms.ConditionalUpdate(context.Background(), j.ID,
		store.Expect{Status: store.StatusOf(models.StatusAccepted)},
		store.Update{Status: store.StatusOf(models.StatusInProgress), AppendHistory: &entry})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return tr.Snapshot().Status == models.StatusInProgress
	}, "change feed update never merged")
}

type brokenBus struct{}

func (brokenBus) Publish(ctx context.Context, ev bus.Event) error { return nil }
func (brokenBus) SubscribeJob(ctx context.Context, jobID string, onEvent func(bus.Event)) (func(), error) {
	return nil, errors.New("bus unreachable")
}
func (brokenBus) Ping(ctx context.Context) error { return nil }
func (brokenBus) Close() error                   { return nil }

func TestBusLossDegradesButFeedCarriesOn(t *testing.T) {
	ms := store.NewMemoryStore()
	j := seedJob(t, ms, models.StatusAccepted)

	tr, err := NewTracker(context.Background(), ms, brokenBus{}, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	waitFor(t, func() bool { return tr.Snapshot().Degraded }, "degraded flag never set")

	entry := models.StatusEntry{Status: models.StatusInProgress, Timestamp: time.Now()}
	if _, err := ms.ConditionalUpdate(context.Background(), j.ID,
		store.Expect{Status: store.StatusOf(models.StatusAccepted)},
		store.Update{Status: store.StatusOf(models.StatusInProgress), AppendHistory: &entry}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		v := tr.Snapshot()
		return v.Status == models.StatusInProgress && v.Degraded
	}, "change feed stalled while degraded")
}

func TestCloseTearsDownSubscribers(t *testing.T) {
	ms := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	j := seedJob(t, ms, models.StatusAccepted)

	tr, err := NewTracker(context.Background(), ms, b, j.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := tr.Subscribe()
	tr.Close()
	tr.Close() // idempotent

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed")
		}
	}
}
