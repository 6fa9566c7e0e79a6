package assign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/observability"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
)

var (
	// ErrJobAlreadyAssigned means the conditional update lost the race: the
	// job is no longer available/unassigned. Callers should re-run matching
	// rather than retry the same candidate.
	ErrJobAlreadyAssigned = errors.New("job already assigned")
	// ErrStaleRunner means the candidate's last-seen timestamp fell outside
	// the availability window between matching and accepting. Treated by
	// callers exactly like ErrJobAlreadyAssigned: re-match.
	ErrStaleRunner = errors.New("runner stale at accept time")
	// ErrRunnerBusy means the candidate already carries a job. Also a
	// re-match signal.
	ErrRunnerBusy = errors.New("runner already bound to a job")
)

// Control binds exactly one runner to a job. The only mutation is a single
// compare-and-set against the document store; under any number of concurrent
// attempts at most one succeeds.
type Control struct {
	Store              store.JobStore
	Reg                registry.Registry
	AvailabilityWindow time.Duration
	Logger             *slog.Logger
	Now                func() time.Time // test hook; nil means time.Now
}

// Bind sets job.runnerId=runnerID and job.status=accepted iff the job is
// still available and unassigned, as one atomic store operation. On success
// it also attempts the runner.currentJobId denormalization; that second
// write is best effort and never rolls back the assignment. The job's
// runnerId is authoritative and the projection reconciles on its next
// refresh.
func (c *Control) Bind(ctx context.Context, jobID, runnerID string) (*models.Job, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if rn, ok, err := c.Reg.Get(ctx, runnerID); err == nil && ok {
		if rn.CurrentJobID != "" && rn.CurrentJobID != jobID {
			return nil, ErrRunnerBusy
		}
		if c.AvailabilityWindow > 0 && now.Sub(rn.LastSeen) > c.AvailabilityWindow {
			return nil, ErrStaleRunner
		}
	}

	entry := models.StatusEntry{Status: models.StatusAccepted, Timestamp: now, Note: "accepted by " + runnerID}
	j, err := c.Store.ConditionalUpdate(ctx, jobID,
		store.Expect{Status: store.StatusOf(models.StatusAvailable), RunnerID: store.StringOf("")},
		store.Update{
			Status:        store.StatusOf(models.StatusAccepted),
			RunnerID:      store.StringOf(runnerID),
			AssignedAt:    &now,
			AppendHistory: &entry,
		})
	if errors.Is(err, store.ErrPreconditionFailed) {
		observability.AssignConflictsTotal.Inc()
		return nil, ErrJobAlreadyAssigned
	}
	if err != nil {
		return nil, err
	}
	observability.AssignWinsTotal.Inc()

	if err := c.Reg.SetCurrentJob(ctx, runnerID, jobID); err != nil {
		c.log().Warn("currentJobId denorm write failed, projection will reconcile",
			"job_id", jobID, "runner_id", runnerID, "error", err)
	}
	return j, nil
}

// Release clears the runner's currentJobId after a terminal transition.
// Best effort for the same reason as the bind-side denorm write.
func (c *Control) Release(ctx context.Context, runnerID string) {
	if runnerID == "" {
		return
	}
	if err := c.Reg.SetCurrentJob(ctx, runnerID, ""); err != nil {
		c.log().Warn("currentJobId clear failed, projection will reconcile",
			"runner_id", runnerID, "error", err)
	}
}

func (c *Control) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
