package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

func newJob() *models.Job {
	return &models.Job{
		Kind:         models.KindErrand,
		Status:       models.StatusAvailable,
		BuyerID:      "b1",
		Pickup:       models.GeoPoint{Lat: 6.5244, Lon: 3.3792},
		Dropoff:      models.GeoPoint{Lat: 6.53, Lon: 3.385},
		DeliveryMode: models.ModeDelivery,
	}
}

func TestCreateAssignsIDAndSeedHistory(t *testing.T) {
	m := NewMemoryStore()
	j, err := m.Create(context.Background(), newJob())
	if err != nil {
		t.Fatal(err)
	}
	if j.ID == "" {
		t.Fatal("expected store-assigned id")
	}
	if len(j.History) != 1 || j.History[0].Status != models.StatusAvailable {
		t.Fatalf("expected creation history entry, got %+v", j.History)
	}
}

func TestConditionalUpdatePreconditions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	j, _ := m.Create(ctx, newJob())

	// wrong expected status fails without touching the document
	_, err := m.ConditionalUpdate(ctx, j.ID,
		Expect{Status: StatusOf(models.StatusAccepted)},
		Update{Status: StatusOf(models.StatusInProgress)})
	if err != ErrPreconditionFailed {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	cur, _ := m.Get(ctx, j.ID)
	if cur.Status != models.StatusAvailable {
		t.Fatalf("document changed on failed update: %s", cur.Status)
	}

	// matching expectation applies atomically
	entry := models.StatusEntry{Status: models.StatusAccepted, Timestamp: time.Now()}
	got, err := m.ConditionalUpdate(ctx, j.ID,
		Expect{Status: StatusOf(models.StatusAvailable), RunnerID: StringOf("")},
		Update{Status: StatusOf(models.StatusAccepted), RunnerID: StringOf("r1"), AppendHistory: &entry})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAccepted || got.RunnerID != "r1" || len(got.History) != 2 {
		t.Fatalf("unexpected document after update: %+v", got)
	}
}

func TestConditionalUpdateExactlyOneWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	j, _ := m.Create(ctx, newJob())

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		runner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ConditionalUpdate(ctx, j.ID,
				Expect{Status: StatusOf(models.StatusAvailable), RunnerID: StringOf("")},
				Update{Status: StatusOf(models.StatusAccepted), RunnerID: StringOf(runner)})
			if err == nil {
				wins <- runner
			} else if err != ErrPreconditionFailed {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	cur, _ := m.Get(ctx, j.ID)
	if cur.RunnerID != winners[0] {
		t.Fatalf("runner id %s does not match winner %s", cur.RunnerID, winners[0])
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	j, _ := m.Create(ctx, newJob())

	feed, cancel, err := m.Subscribe(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// initial snapshot arrives on subscribe
	first := <-feed
	if first.Status != models.StatusAvailable {
		t.Fatalf("expected available snapshot, got %s", first.Status)
	}

	_, err = m.ConditionalUpdate(ctx, j.ID,
		Expect{Status: StatusOf(models.StatusAvailable)},
		Update{Status: StatusOf(models.StatusCancelled)})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-feed:
		if snap.Status != models.StatusCancelled {
			t.Fatalf("expected cancelled snapshot, got %s", snap.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	// snapshots are copies, not aliases
	first.Status = models.StatusCompleted
	cur, _ := m.Get(ctx, j.ID)
	if cur.Status == models.StatusCompleted {
		t.Fatal("subscriber mutated store memory")
	}
}
