package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

// fakeUpdater implements Updater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	calls int
}

func (f *fakeUpdater) Upsert(ctx context.Context, r models.Runner) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("upsert fail")
	}
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	rn := models.Runner{ID: "r1", Loc: models.GeoPoint{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}
	ctx := context.Background()
	start := time.Now()
	if err := applyWithRetry(ctx, f, rn, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	rn := models.Runner{ID: "r1", Loc: models.GeoPoint{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}
	if err := applyWithRetry(context.Background(), f, rn, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
