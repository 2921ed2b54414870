package retry

import (
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

// DefaultMaxRetries bounds redeliveries when nothing else is configured
const DefaultMaxRetries = 3

// Action is the outcome of a retry decision
type Action string

const (
	ActionRetry     Action = "retry"
	ActionExhausted Action = "exhausted"
	ActionNoRetry   Action = "no_retry"
)

// Decision tells the consumer what to do with a failed job
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Terminal reports whether the job leaves the main queue
func (d Decision) Terminal() bool {
	return d.Action != ActionRetry
}

// Controller decides redelivery from the error kind and attempt count.
// Priority is never an input.
type Controller struct {
	maxRetries int
	backoff    Strategy
}

// NewController creates a controller; a nil strategy means exponential from 1s
func NewController(maxRetries int, backoff Strategy) *Controller {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff == nil {
		backoff = Exponential{Initial: time.Second, Max: 5 * time.Minute}
	}
	return &Controller{maxRetries: maxRetries, backoff: backoff}
}

// MaxRetries returns the configured bound
func (c *Controller) MaxRetries() int {
	return c.maxRetries
}

// Decide classifies a failure of the attempt numbered attemptCount (0 for the first delivery)
func (c *Controller) Decide(kind domain.ErrorKind, attemptCount int, nonRetryable bool) Decision {
	return c.DecideWithLimit(kind, attemptCount, c.maxRetries, nonRetryable)
}

// DecideWithLimit is Decide with an explicit retry bound
func (c *Controller) DecideWithLimit(kind domain.ErrorKind, attemptCount, maxRetries int, nonRetryable bool) Decision {
	switch {
	case kind == domain.KindValidation:
		return Decision{Action: ActionNoRetry, Reason: "validation error"}
	case nonRetryable:
		return Decision{Action: ActionNoRetry, Reason: "job marked non-retryable"}
	case kind == domain.KindPermanent:
		return Decision{Action: ActionNoRetry, Reason: "permanent error"}
	case !kind.Retryable():
		return Decision{Action: ActionNoRetry, Reason: "unknown error kind " + string(kind)}
	case attemptCount >= maxRetries:
		return Decision{Action: ActionExhausted, Reason: "retries exhausted"}
	}

	return Decision{
		Action: ActionRetry,
		Delay:  c.backoff.Delay(attemptCount + 1),
		Reason: string(kind),
	}
}
