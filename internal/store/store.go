package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

var (
	// ErrNotFound means no job document exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrPreconditionFailed means a conditional update's expected fields did
	// not match the current document; nothing was written.
	ErrPreconditionFailed = errors.New("conditional update precondition failed")
)

// Expect names the fields a conditional update checks before writing.
// Nil pointers are unchecked; a non-nil empty RunnerID means "expect
// unassigned".
type Expect struct {
	Status   *models.JobStatus
	RunnerID *string
}

// Update names the fields a conditional update writes. Nil pointers are left
// untouched; a non-nil empty RunnerID clears the assignment. AppendHistory
// adds exactly one audit-trail entry in the same atomic write.
type Update struct {
	Status        *models.JobStatus
	RunnerID      *string
	CustomerLoc   *models.GeoPoint
	AssignedAt    *time.Time
	CompletedAt   *time.Time
	AppendHistory *models.StatusEntry
}

// JobStore is the document-store surface this core consumes: per-document
// CRUD, an atomic compare-and-set, and a subscribable change feed delivering
// full snapshots at least once per write.
type JobStore interface {
	Create(ctx context.Context, j *models.Job) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	// ConditionalUpdate applies upd only if expect matches the current
	// document, as one atomic operation. On mismatch it returns
	// ErrPreconditionFailed and the document is unchanged.
	ConditionalUpdate(ctx context.Context, jobID string, expect Expect, upd Update) (*models.Job, error)
	// Subscribe returns a channel of document snapshots for jobID. The feed
	// is at-least-once and snapshots never alias store memory. The returned
	// cancel func must be called to release the subscription.
	Subscribe(ctx context.Context, jobID string) (<-chan *models.Job, func(), error)
}

// StatusOf is a convenience for building Expect/Update literals.
func StatusOf(s models.JobStatus) *models.JobStatus { return &s }

// StringOf returns a pointer to s.
func StringOf(s string) *string { return &s }
