package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
)

// DefaultEmitInterval is how often a runner's position goes out on the bus
// while the job is in a trackable status.
const DefaultEmitInterval = 15 * time.Second

// PositionSource yields the runner's current position. The ok result is
// false when no fix is available this tick.
type PositionSource func(ctx context.Context) (models.GeoPoint, bool)

// Publisher drives a runner's timer-based location emission for one job.
// Every tick broadcasts on the bus regardless of persistence success;
// persistence (location + lastSeen on the registry) is best effort and at
// the same cadence. The timer is torn down when the job leaves a trackable
// status or when Stop is called; an orphaned ticker doing background
// writes is a defect, not an acceptable leak.
type Publisher struct {
	JobID    string
	RunnerID string
	Bus      bus.Bus
	Reg      registry.Registry
	Store    store.JobStore
	Source   PositionSource
	Interval time.Duration
	Logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins the emit loop. It returns immediately; the loop ends when the
// job leaves a trackable status, the context is cancelled, or Stop is called.
func (p *Publisher) Start(ctx context.Context) error {
	if p.Interval <= 0 {
		p.Interval = DefaultEmitInterval
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	feed, feedStop, err := p.Store.Subscribe(ctx, p.JobID)
	if err != nil {
		p.cancel()
		close(p.done)
		return err
	}

	go func() {
		defer close(p.done)
		defer feedStop()
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-feed:
				if ok && !j.Status.Trackable() {
					p.log().Info("job left trackable status, stopping emission",
						"job_id", p.JobID, "status", j.Status)
					return
				}
			case <-ticker.C:
				p.emit(ctx)
			}
		}
	}()
	return nil
}

// Stop tears the loop down and waits for it to finish. Idempotent.
func (p *Publisher) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.done != nil {
			<-p.done
		}
	})
}

func (p *Publisher) emit(ctx context.Context) {
	loc, ok := p.Source(ctx)
	if !ok {
		return
	}
	if !geo.ValidPoint(loc) {
		p.log().Warn("runner position invalid, skipped", "runner_id", p.RunnerID,
			"lat", loc.Lat, "lon", loc.Lon)
		return
	}
	now := time.Now()
	// persist first, broadcast regardless of the outcome
	if err := p.Reg.UpsertLocation(ctx, p.RunnerID, loc, now); err != nil {
		p.log().Warn("location persist failed", "runner_id", p.RunnerID, "error", err)
	}
	ev := bus.Event{Type: bus.EventLocation, JobID: p.JobID, RunnerID: p.RunnerID, Loc: &loc, At: now}
	if err := p.Bus.Publish(ctx, ev); err != nil {
		p.log().Warn("location broadcast failed", "runner_id", p.RunnerID, "error", err)
	}
}

func (p *Publisher) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
