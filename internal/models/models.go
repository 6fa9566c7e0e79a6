package models

import "time"

// GeoPoint is a WGS84 coordinate pair. Validation lives in the geo package;
// a GeoPoint arriving from the outside world must pass geo.IsValidCoordinate
// before it is used in any computation.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Money is an amount in integer minor units (kobo, cents) plus currency code.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// JobKind discriminates the two product concepts sharing one lifecycle.
type JobKind string

const (
	KindOrder  JobKind = "order"
	KindErrand JobKind = "errand"
)

// DeliveryMode controls whether a job ever enters runner-transit states.
type DeliveryMode string

const (
	ModePickup   DeliveryMode = "pickup"
	ModeDelivery DeliveryMode = "delivery"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusAvailable  JobStatus = "available"
	StatusAccepted   JobStatus = "accepted"
	StatusInProgress JobStatus = "in_progress"
	StatusOnTheWay   JobStatus = "on_the_way"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trackable reports whether a runner's live location should be streamed for
// a job in state s.
func (s JobStatus) Trackable() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusOnTheWay
}

// Role is the marketplace role of an actor.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleRunner Role = "runner"
)

// Actor identifies the verified identity requesting a transition. Token
// issuance happens upstream; by the time an Actor reaches this core it is
// trusted.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// StatusEntry is one record in a job's append-only audit trail.
type StatusEntry struct {
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Job unifies "order" and "errand" under one shape. The runnerId/status pair
// is mutated only through the lifecycle state machine; direct writes bypass
// the conditional-update serialization and are disallowed by contract.
type Job struct {
	ID           string        `json:"id"`
	Kind         JobKind       `json:"kind"`
	Status       JobStatus     `json:"status"`
	BuyerID      string        `json:"buyer_id"`
	SellerID     string        `json:"seller_id,omitempty"`
	RunnerID     string        `json:"runner_id,omitempty"`
	Pickup       GeoPoint      `json:"pickup"`
	Dropoff      GeoPoint      `json:"dropoff"`
	CustomerLoc  *GeoPoint     `json:"customer_location,omitempty"`
	Fee          Money         `json:"fee"`
	DeliveryMode DeliveryMode  `json:"delivery_mode"`
	History      []StatusEntry `json:"status_history"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	AssignedAt   *time.Time    `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so change-feed subscribers never alias store
// memory.
func (j *Job) Clone() *Job {
	cp := *j
	cp.History = make([]StatusEntry, len(j.History))
	copy(cp.History, j.History)
	if j.CustomerLoc != nil {
		loc := *j.CustomerLoc
		cp.CustomerLoc = &loc
	}
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		cp.AssignedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Runner is the matching-view projection of a runner. This core never writes
// identity or profile fields, only CurrentJobID, location and availability.
type Runner struct {
	ID           string    `json:"id"`
	Loc          GeoPoint  `json:"loc"`
	LocUpdated   time.Time `json:"loc_updated"`
	Rating       float64   `json:"rating"` // 0..5
	Online       bool      `json:"online"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// MatchCandidate is an ephemeral, computed value; never persisted.
type MatchCandidate struct {
	Runner     Runner  `json:"runner"`
	DistanceKm float64 `json:"distance_km"`
	RankScore  float64 `json:"rank_score"`
}

// ReviewTrigger is emitted downstream when a job completes.
type ReviewTrigger struct {
	BuyerID  string `json:"buyer_id"`
	TargetID string `json:"target_id"`
	JobID    string `json:"job_id"`
}

// Notification is a best-effort push payload; delivery failures never abort
// the transition that produced it.
type Notification struct {
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}
