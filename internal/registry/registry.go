package registry

import (
	"context"
	"sync"
	"time"

	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
)

// Registry holds runner projections. The only writers are the owning runner's
// location/availability updates and the assignment control (CurrentJobID);
// identity and profile fields are refreshed wholesale from the upstream feed
// via Upsert.
type Registry interface {
	Upsert(ctx context.Context, r models.Runner) error
	UpsertLocation(ctx context.Context, runnerID string, loc models.GeoPoint, at time.Time) error
	SetAvailability(ctx context.Context, runnerID string, online bool) error
	SetCurrentJob(ctx context.Context, runnerID, jobID string) error
	Get(ctx context.Context, runnerID string) (models.Runner, bool, error)
	Near(ctx context.Context, origin models.GeoPoint, radiusKm float64, limit int) ([]models.Runner, error)
}

// Index is the in-memory Registry used in tests and single-node runs.
type Index struct {
	mu      sync.RWMutex
	runners map[string]models.Runner
}

func NewIndex() *Index {
	return &Index{runners: make(map[string]models.Runner)}
}

func (g *Index) Upsert(ctx context.Context, r models.Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}
	g.runners[r.ID] = r
	return nil
}

func (g *Index) UpsertLocation(ctx context.Context, runnerID string, loc models.GeoPoint, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.runners[runnerID]
	r.ID = runnerID
	r.Loc = loc
	r.LocUpdated = at
	r.LastSeen = at
	g.runners[runnerID] = r
	return nil
}

func (g *Index) SetAvailability(ctx context.Context, runnerID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[runnerID]
	if !ok {
		r = models.Runner{ID: runnerID}
	}
	r.Online = online
	r.LastSeen = time.Now()
	g.runners[runnerID] = r
	return nil
}

func (g *Index) SetCurrentJob(ctx context.Context, runnerID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[runnerID]
	if !ok {
		r = models.Runner{ID: runnerID}
	}
	r.CurrentJobID = jobID
	g.runners[runnerID] = r
	return nil
}

func (g *Index) Get(ctx context.Context, runnerID string) (models.Runner, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[runnerID]
	return r, ok, nil
}

// Near returns up to limit runners within radiusKm of origin, nearest first.
// Naive scan; the redis implementation uses server-side geo search.
func (g *Index) Near(ctx context.Context, origin models.GeoPoint, radiusKm float64, limit int) ([]models.Runner, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		r    models.Runner
		dist float64
	}
	arr := make([]pair, 0, len(g.runners))
	for _, r := range g.runners {
		if !geo.ValidPoint(r.Loc) {
			continue
		}
		dist := geo.DistanceKm(origin, r.Loc)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{r, dist})
	}
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Runner, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].r)
	}
	return out, nil
}
