package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/errand-dispatch/internal/assign"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/observability"
	"github.com/example/errand-dispatch/internal/store"
)

// ErrInvalidTransition means the transition table has no row for the
// requested (from, to, actor) triple. The job is unchanged.
var ErrInvalidTransition = errors.New("invalid transition")

// Notifier delivers best-effort push payloads. Failures are logged and
// swallowed; they never unwind a committed transition.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// ReviewSink receives the downstream review prompt when a job completes.
type ReviewSink interface {
	TriggerReview(ctx context.Context, rt models.ReviewTrigger) error
}

// PaymentGateway is the external gateway, invoked only after a job is
// confirmed: hold on accept, capture on complete, release on cancel.
type PaymentGateway interface {
	Hold(ctx context.Context, jobID string, amount models.Money, buyerID string) error
	Capture(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}

// Machine validates and applies status transitions. Every applied transition
// appends exactly one statusHistory entry through the store's conditional
// update, which serializes history per job.
type Machine struct {
	Store    store.JobStore
	Assign   *assign.Control
	Notify   Notifier       // optional
	Reviews  ReviewSink     // optional
	Payments PaymentGateway // optional
	Logger   *slog.Logger
	Now      func() time.Time // test hook; nil means time.Now
}

// Request asks for a transition of jobID to the target status on behalf of
// actor. Requesting the current status is an idempotent no-op so retried
// clients under at-least-once delivery do not duplicate history entries.
func (m *Machine) Request(ctx context.Context, jobID string, to models.JobStatus, actor models.Actor) (*models.Job, error) {
	j, err := m.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == to {
		// idempotent retry only for the party that owns the state; a second
		// runner asking for accepted is a lost race, not a retry
		if to == models.StatusAccepted && actor.ID != j.RunnerID {
			return nil, assign.ErrJobAlreadyAssigned
		}
		if runnerOwned(to) && (actor.Role != models.RoleRunner || actor.ID != j.RunnerID) {
			observability.TransitionsRejected.Inc()
			return nil, ErrInvalidTransition
		}
		return j, nil
	}
	if err := allowed(j, to, actor); err != nil {
		observability.TransitionsRejected.Inc()
		return nil, err
	}

	now := m.now()
	var updated *models.Job
	if to == models.StatusAccepted {
		updated, err = m.Assign.Bind(ctx, jobID, actor.ID)
		if err != nil {
			return nil, err
		}
	} else {
		updated, err = m.apply(ctx, j, to, actor, now)
		if err != nil {
			return nil, err
		}
	}
	observability.TransitionsTotal.WithLabelValues(string(to)).Inc()
	m.sideEffects(ctx, j, updated, to)
	return updated, nil
}

// Reject records a candidate runner's decline. The job stays available and
// open to other candidates; runnerId is never set.
func (m *Machine) Reject(ctx context.Context, jobID string, runner models.Actor) (*models.Job, error) {
	if runner.Role != models.RoleRunner {
		return nil, ErrInvalidTransition
	}
	entry := models.StatusEntry{
		Status:    models.StatusAvailable,
		Timestamp: m.now(),
		Note:      declineNotePrefix + runner.ID,
	}
	j, err := m.Store.ConditionalUpdate(ctx, jobID,
		store.Expect{Status: store.StatusOf(models.StatusAvailable)},
		store.Update{AppendHistory: &entry})
	if errors.Is(err, store.ErrPreconditionFailed) {
		// no longer available; nothing to decline
		return m.Store.Get(ctx, jobID)
	}
	return j, err
}

const declineNotePrefix = "declined by "

// DeclinedRunners extracts the ids of runners who have declined the job from
// its audit trail, for exclusion in the next matching pass.
func DeclinedRunners(j *models.Job) map[string]bool {
	out := make(map[string]bool)
	for _, e := range j.History {
		if strings.HasPrefix(e.Note, declineNotePrefix) {
			out[strings.TrimPrefix(e.Note, declineNotePrefix)] = true
		}
	}
	return out
}

// apply commits a non-accept transition keyed on the observed from-status.
// Losing the compare-and-set means a concurrent writer moved the job first;
// the request resolves as idempotent success if the job landed on the
// target, otherwise it is rejected.
func (m *Machine) apply(ctx context.Context, j *models.Job, to models.JobStatus, actor models.Actor, now time.Time) (*models.Job, error) {
	entry := models.StatusEntry{Status: to, Timestamp: now, Note: string(actor.Role) + " " + actor.ID}
	upd := store.Update{Status: store.StatusOf(to), AppendHistory: &entry}
	if to == models.StatusCompleted {
		upd.CompletedAt = &now
	}
	if to == models.StatusCancelled && j.RunnerID != "" {
		upd.RunnerID = store.StringOf("")
	}
	updated, err := m.Store.ConditionalUpdate(ctx, j.ID,
		store.Expect{Status: store.StatusOf(j.Status)}, upd)
	if errors.Is(err, store.ErrPreconditionFailed) {
		cur, gerr := m.Store.Get(ctx, j.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == to {
			return cur, nil
		}
		return nil, ErrInvalidTransition
	}
	return updated, err
}

// runnerOwned reports whether a status can only be reached by the assigned
// runner's own request.
func runnerOwned(s models.JobStatus) bool {
	switch s {
	case models.StatusAccepted, models.StatusInProgress, models.StatusOnTheWay, models.StatusCompleted:
		return true
	}
	return false
}

// allowed checks the transition table for (from, to, actor). Any triple
// without a row is rejected.
func allowed(j *models.Job, to models.JobStatus, actor models.Actor) error {
	switch to {
	case models.StatusAccepted:
		if j.Status == models.StatusAvailable && actor.Role == models.RoleRunner && j.RunnerID == "" {
			return nil
		}
	case models.StatusInProgress:
		if j.Status == models.StatusAccepted && actor.Role == models.RoleRunner && actor.ID == j.RunnerID {
			return nil
		}
	case models.StatusOnTheWay:
		if j.Status == models.StatusInProgress && actor.Role == models.RoleRunner &&
			actor.ID == j.RunnerID && j.DeliveryMode == models.ModeDelivery {
			return nil
		}
	case models.StatusCompleted:
		if (j.Status == models.StatusOnTheWay || j.Status == models.StatusInProgress) &&
			actor.Role == models.RoleRunner && actor.ID == j.RunnerID {
			return nil
		}
	case models.StatusCancelled:
		if j.Status.Terminal() {
			break
		}
		if actor.Role == models.RoleBuyer && actor.ID == j.BuyerID {
			return nil
		}
		if actor.Role == models.RoleRunner && j.RunnerID != "" && actor.ID == j.RunnerID {
			return nil
		}
	}
	return ErrInvalidTransition
}

// sideEffects runs the downstream effects of a committed transition. All of
// them are best effort: failures are logged, never propagated, and the
// transition is never unwound.
func (m *Machine) sideEffects(ctx context.Context, before, after *models.Job, to models.JobStatus) {
	switch to {
	case models.StatusAccepted:
		if m.Payments != nil {
			if err := m.Payments.Hold(ctx, after.ID, after.Fee, after.BuyerID); err != nil {
				m.log().Warn("payment hold failed", "job_id", after.ID, "error", err)
			}
		}
		m.notify(ctx, models.Notification{
			RecipientID: after.BuyerID,
			Title:       "Runner assigned",
			Body:        "A runner accepted your job.",
			Data:        map[string]string{"job_id": after.ID, "runner_id": after.RunnerID},
		})
	case models.StatusCompleted:
		m.Assign.Release(ctx, after.RunnerID)
		if m.Payments != nil {
			if err := m.Payments.Capture(ctx, after.ID); err != nil {
				m.log().Warn("payment capture failed", "job_id", after.ID, "error", err)
			}
		}
		if m.Reviews != nil {
			rt := models.ReviewTrigger{BuyerID: after.BuyerID, TargetID: after.RunnerID, JobID: after.ID}
			if err := m.Reviews.TriggerReview(ctx, rt); err != nil {
				m.log().Warn("review trigger failed", "job_id", after.ID, "error", err)
			}
		}
		m.notify(ctx, models.Notification{
			RecipientID: after.BuyerID,
			Title:       "Job completed",
			Body:        "Your job was completed.",
			Data:        map[string]string{"job_id": after.ID},
		})
	case models.StatusCancelled:
		if before.RunnerID != "" {
			m.Assign.Release(ctx, before.RunnerID)
			m.notify(ctx, models.Notification{
				RecipientID: before.RunnerID,
				Title:       "Job cancelled",
				Body:        "The job you were on was cancelled.",
				Data:        map[string]string{"job_id": after.ID},
			})
		}
		if m.Payments != nil {
			if err := m.Payments.Release(ctx, after.ID); err != nil {
				m.log().Warn("payment release failed", "job_id", after.ID, "error", err)
			}
		}
	}
}

func (m *Machine) notify(ctx context.Context, n models.Notification) {
	if m.Notify == nil {
		return
	}
	if err := m.Notify.Notify(ctx, n); err != nil {
		m.log().Warn("notification dispatch failed", "recipient", n.RecipientID, "error", err)
	}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
