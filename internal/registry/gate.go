package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrToggleInFlight means an availability change for the same runner has not
// finished yet; the caller should surface it and let the client retry.
var ErrToggleInFlight = errors.New("availability toggle already in flight")

// AvailabilityGate serializes availability toggles per runner. The flag gets
// flipped from several surfaces at once (runner home screen, job screens),
// so the single setter is guarded by an in-flight flag instead of letting
// overlapping writes race.
type AvailabilityGate struct {
	reg      Registry
	mu       sync.Mutex
	inFlight map[string]bool
}

func NewAvailabilityGate(reg Registry) *AvailabilityGate {
	return &AvailabilityGate{reg: reg, inFlight: make(map[string]bool)}
}

func (g *AvailabilityGate) SetAvailability(ctx context.Context, runnerID string, online bool) error {
	g.mu.Lock()
	if g.inFlight[runnerID] {
		g.mu.Unlock()
		return ErrToggleInFlight
	}
	g.inFlight[runnerID] = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, runnerID)
		g.mu.Unlock()
	}()
	return g.reg.SetAvailability(ctx, runnerID, online)
}
