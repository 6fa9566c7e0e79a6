package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

type fakeSource struct{ runners []models.Runner }

func (f *fakeSource) Near(ctx context.Context, origin models.GeoPoint, radiusKm float64, limit int) ([]models.Runner, error) {
	return f.runners, nil
}

var lagosPickup = models.GeoPoint{Lat: 6.5244, Lon: 3.3792}

// pointAtKm offsets the origin north by km along the meridian.
func pointAtKm(origin models.GeoPoint, km float64) models.GeoPoint {
	return models.GeoPoint{Lat: origin.Lat + km/111.1949, Lon: origin.Lon}
}

func newTestService(runners []models.Runner, now time.Time) *Service {
	s := NewService(&fakeSource{runners: runners}, DefaultConfig())
	s.Now = func() time.Time { return now }
	return s
}

func TestCandidatesFiltering(t *testing.T) {
	now := time.Now()
	runners := []models.Runner{
		{ID: "near", Loc: pointAtKm(lagosPickup, 2), Rating: 4.0, Online: true, LastSeen: now},
		{ID: "low-rating", Loc: pointAtKm(lagosPickup, 5), Rating: 3.0, Online: true, LastSeen: now},
		{ID: "offline", Loc: pointAtKm(lagosPickup, 3), Rating: 4.5, Online: false, LastSeen: now},
		{ID: "far", Loc: pointAtKm(lagosPickup, 15), Rating: 5.0, Online: true, LastSeen: now},
		{ID: "stale", Loc: pointAtKm(lagosPickup, 1), Rating: 5.0, Online: true, LastSeen: now.Add(-10 * time.Minute)},
		{ID: "busy", Loc: pointAtKm(lagosPickup, 1), Rating: 5.0, Online: true, LastSeen: now, CurrentJobID: "j9"},
		{ID: "bad-loc", Loc: models.GeoPoint{Lat: 91, Lon: 0}, Rating: 5.0, Online: true, LastSeen: now},
	}
	cands, err := newTestService(runners, now).Candidates(context.Background(), lagosPickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Runner.ID != "near" {
		t.Fatalf("expected only 'near', got %+v", cands)
	}
	if cands[0].DistanceKm < 1.9 || cands[0].DistanceKm > 2.1 {
		t.Fatalf("expected ~2 km, got %f", cands[0].DistanceKm)
	}
}

func TestCandidatesRankedByDistance(t *testing.T) {
	now := time.Now()
	runners := []models.Runner{
		{ID: "c", Loc: pointAtKm(lagosPickup, 6), Rating: 5.0, Online: true, LastSeen: now},
		{ID: "a", Loc: pointAtKm(lagosPickup, 1), Rating: 3.6, Online: true, LastSeen: now},
		{ID: "b", Loc: pointAtKm(lagosPickup, 3), Rating: 4.9, Online: true, LastSeen: now},
	}
	cands, err := newTestService(runners, now).Candidates(context.Background(), lagosPickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(cands)
	if got != "a,b,c" {
		t.Fatalf("expected a,b,c got %s", got)
	}
}

func TestNearTieBrokenByRating(t *testing.T) {
	now := time.Now()
	// 2.00 vs 2.05 km: inside the tie window, higher rating first
	runners := []models.Runner{
		{ID: "lower", Loc: pointAtKm(lagosPickup, 2.00), Rating: 4.0, Online: true, LastSeen: now},
		{ID: "higher", Loc: pointAtKm(lagosPickup, 2.05), Rating: 4.8, Online: true, LastSeen: now},
	}
	cands, err := newTestService(runners, now).Candidates(context.Background(), lagosPickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ids(cands) != "higher,lower" {
		t.Fatalf("expected higher,lower got %s", ids(cands))
	}
}

func TestTieBandsAnchoredAtNearest(t *testing.T) {
	now := time.Now()
	// 0.00/0.09/0.18 km: adjacent pairs are each within the window but the
	// ends are not. The band anchors at 0.00, so 0.18 ranks on distance alone.
	runners := []models.Runner{
		{ID: "at-pickup", Loc: pointAtKm(lagosPickup, 0.00), Rating: 3.6, Online: true, LastSeen: now},
		{ID: "block-away", Loc: pointAtKm(lagosPickup, 0.09), Rating: 5.0, Online: true, LastSeen: now},
		{ID: "two-blocks", Loc: pointAtKm(lagosPickup, 0.18), Rating: 4.9, Online: true, LastSeen: now},
	}
	cands, err := newTestService(runners, now).Candidates(context.Background(), lagosPickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ids(cands) != "block-away,at-pickup,two-blocks" {
		t.Fatalf("expected block-away,at-pickup,two-blocks got %s", ids(cands))
	}
}

func TestDeclinedRunnersExcluded(t *testing.T) {
	now := time.Now()
	runners := []models.Runner{
		{ID: "x", Loc: pointAtKm(lagosPickup, 2), Rating: 4.0, Online: true, LastSeen: now},
		{ID: "y", Loc: pointAtKm(lagosPickup, 3), Rating: 4.0, Online: true, LastSeen: now},
	}
	cands, err := newTestService(runners, now).Candidates(context.Background(), lagosPickup, map[string]bool{"x": true})
	if err != nil {
		t.Fatal(err)
	}
	if ids(cands) != "y" {
		t.Fatalf("expected only y, got %s", ids(cands))
	}
}

func TestEmptyResultIsNotAnError(t *testing.T) {
	cands, err := newTestService(nil, time.Now()).Candidates(context.Background(), lagosPickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected empty list, got %+v", cands)
	}
}

func TestInvalidPickupRejected(t *testing.T) {
	_, err := newTestService(nil, time.Now()).Candidates(context.Background(), models.GeoPoint{Lat: 200, Lon: 0}, nil)
	if err == nil {
		t.Fatal("expected error for invalid pickup")
	}
}

func ids(cands []models.MatchCandidate) string {
	out := ""
	for i, c := range cands {
		if i > 0 {
			out += ","
		}
		out += c.Runner.ID
	}
	return out
}
