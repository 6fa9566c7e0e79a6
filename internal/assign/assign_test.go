package assign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
)

func setup(t *testing.T) (*Control, *store.MemoryStore, *registry.Index, *models.Job) {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := registry.NewIndex()
	j, err := ms.Create(context.Background(), &models.Job{
		Kind:         models.KindOrder,
		Status:       models.StatusAvailable,
		BuyerID:      "b1",
		SellerID:     "s1",
		Pickup:       models.GeoPoint{Lat: 6.5244, Lon: 3.3792},
		Dropoff:      models.GeoPoint{Lat: 6.53, Lon: 3.385},
		DeliveryMode: models.ModeDelivery,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctl := &Control{Store: ms, Reg: reg, AvailabilityWindow: 300 * time.Second}
	return ctl, ms, reg, j
}

func addRunner(t *testing.T, reg *registry.Index, id string, lastSeen time.Time) {
	t.Helper()
	err := reg.Upsert(context.Background(), models.Runner{
		ID: id, Loc: models.GeoPoint{Lat: 6.52, Lon: 3.38}, Rating: 4.5, Online: true, LastSeen: lastSeen,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBindSetsRunnerAndDenorm(t *testing.T) {
	ctl, _, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "r1", time.Now())

	got, err := ctl.Bind(ctx, j.ID, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAccepted || got.RunnerID != "r1" {
		t.Fatalf("unexpected job after bind: %+v", got)
	}
	if got.AssignedAt == nil {
		t.Fatal("assignedAt not set")
	}
	rn, _, _ := reg.Get(ctx, "r1")
	if rn.CurrentJobID != j.ID {
		t.Fatalf("currentJobId not denormalized: %+v", rn)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	ctl, ms, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "rx", time.Now())
	addRunner(t, reg, "ry", time.Now())

	var wg sync.WaitGroup
	results := make(map[string]error, 2)
	var mu sync.Mutex
	for _, id := range []string{"rx", "ry"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := ctl.Bind(ctx, j.ID, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var winner string
	losers := 0
	for id, err := range results {
		switch {
		case err == nil:
			winner = id
		case errors.Is(err, ErrJobAlreadyAssigned):
			losers++
		default:
			t.Fatalf("unexpected error for %s: %v", id, err)
		}
	}
	if winner == "" || losers != 1 {
		t.Fatalf("expected one winner and one JobAlreadyAssigned, got %+v", results)
	}
	cur, _ := ms.Get(ctx, j.ID)
	if cur.RunnerID != winner {
		t.Fatalf("final runnerId %s != winner %s", cur.RunnerID, winner)
	}
}

func TestSecondAcceptOnAssignedJob(t *testing.T) {
	ctl, _, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "r1", time.Now())
	addRunner(t, reg, "r2", time.Now())

	if _, err := ctl.Bind(ctx, j.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctl.Bind(ctx, j.ID, "r2"); !errors.Is(err, ErrJobAlreadyAssigned) {
		t.Fatalf("expected ErrJobAlreadyAssigned, got %v", err)
	}
}

func TestStaleRunnerRejectedAtAccept(t *testing.T) {
	ctl, ms, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "old", time.Now().Add(-10*time.Minute))

	_, err := ctl.Bind(ctx, j.ID, "old")
	if !errors.Is(err, ErrStaleRunner) {
		t.Fatalf("expected ErrStaleRunner, got %v", err)
	}
	cur, _ := ms.Get(ctx, j.ID)
	if cur.Status != models.StatusAvailable || cur.RunnerID != "" {
		t.Fatalf("job mutated by stale accept: %+v", cur)
	}
}

func TestBusyRunnerRejected(t *testing.T) {
	ctl, _, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "busy", time.Now())
	_ = reg.SetCurrentJob(ctx, "busy", "other-job")

	if _, err := ctl.Bind(ctx, j.ID, "busy"); !errors.Is(err, ErrRunnerBusy) {
		t.Fatalf("expected ErrRunnerBusy, got %v", err)
	}
}

func TestReleaseClearsCurrentJob(t *testing.T) {
	ctl, _, reg, j := setup(t)
	ctx := context.Background()
	addRunner(t, reg, "r1", time.Now())
	if _, err := ctl.Bind(ctx, j.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	ctl.Release(ctx, "r1")
	rn, _, _ := reg.Get(ctx, "r1")
	if rn.CurrentJobID != "" {
		t.Fatalf("currentJobId not cleared: %+v", rn)
	}
}
