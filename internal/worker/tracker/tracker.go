package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

var (
	// ErrNotFound is returned by Get when no record exists for the job
	ErrNotFound = errors.New("idempotency record not found")

	// ErrUnavailable wraps every backend failure so callers can refuse to proceed
	ErrUnavailable = errors.New("idempotency backend unavailable")

	// ErrNotOwner is returned when a lease or terminal write targets a claim the
	// caller no longer holds
	ErrNotOwner = errors.New("idempotency record owned by another worker")
)

// State of an idempotency record
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Outcome of TryBegin
type Outcome string

const (
	Proceed           Outcome = "proceed"
	AlreadyDone       Outcome = "already_done"
	AlreadyInProgress Outcome = "already_in_progress"
)

// DefaultLease bounds how long a crashed worker blocks a job id
const DefaultLease = 5 * time.Minute

// Record is the shared processing state of one job id
type Record struct {
	JobID          string           `json:"job_id" db:"job_id"`
	State          State            `json:"state" db:"state"`
	ResultRef      string           `json:"result_ref,omitempty" db:"result_ref"`
	Owner          string           `json:"owner,omitempty" db:"owner"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string           `json:"error_message,omitempty" db:"error_message"`
	StartedAt      time.Time        `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty" db:"finished_at"`
	LeaseExpiresAt time.Time        `json:"lease_expires_at" db:"lease_expires_at"`
}

// BeginOptions controls a TryBegin call
type BeginOptions struct {
	Force bool
	Owner string
	Lease time.Duration
}

func (o BeginOptions) lease() time.Duration {
	if o.Lease <= 0 {
		return DefaultLease
	}
	return o.Lease
}

// BeginResult is the decision returned by TryBegin
type BeginResult struct {
	Outcome   Outcome
	ResultRef string
	Owner     string
}

// Tracker is shared by every worker process. TryBegin must be an atomic
// test-and-set in the backing store. Extend, Complete, Fail and Release only
// apply to an in_progress record held by owner and return ErrNotOwner otherwise.
type Tracker interface {
	TryBegin(ctx context.Context, jobID string, opts BeginOptions) (BeginResult, error)
	Extend(ctx context.Context, jobID, owner string, lease time.Duration) error
	Complete(ctx context.Context, jobID, owner, resultRef string) error
	Fail(ctx context.Context, jobID, owner string, kind domain.ErrorKind, message string) error
	Release(ctx context.Context, jobID, owner string) error
	Get(ctx context.Context, jobID string) (*Record, error)
}

// decide applies the claim rules to an existing record. It is shared by the
// backends that read before writing inside their own atomic section.
func decide(rec *Record, force bool, now time.Time) BeginResult {
	if rec == nil {
		return BeginResult{Outcome: Proceed}
	}

	switch rec.State {
	case StateCompleted:
		if !force {
			return BeginResult{Outcome: AlreadyDone, ResultRef: rec.ResultRef}
		}
	case StateInProgress:
		if now.Before(rec.LeaseExpiresAt) {
			return BeginResult{Outcome: AlreadyInProgress, Owner: rec.Owner}
		}
	}
	return BeginResult{Outcome: Proceed}
}
