package events

import (
	"strings"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

// StartedPayload is emitted when a worker claims a job
type StartedPayload struct {
	JobID     string          `json:"job_id"`
	ContentID string          `json:"content_id"`
	Attempt   int             `json:"attempt"`
	Priority  domain.Priority `json:"priority"`
	WorkerID  string          `json:"worker_id"`
}

// ProgressPayload is emitted after each inferred page
type ProgressPayload struct {
	JobID          string `json:"job_id"`
	PagesCompleted int    `json:"pages_completed"`
	TotalPages     int    `json:"total_pages"`
}

// CompletedPayload carries the result. Duplicate marks a short-circuited
// redelivery that reports the earlier result.
type CompletedPayload struct {
	domain.JobResult
	Duplicate bool `json:"duplicate"`
}

// FailedPayload is emitted once per terminal failure and for every retried attempt
type FailedPayload struct {
	JobID        string           `json:"job_id"`
	ErrorKind    domain.ErrorKind `json:"error_kind"`
	ErrorClass   domain.ErrorKind `json:"error_class"`
	ErrorMessage string           `json:"error_message"`
	Stage        domain.Stage     `json:"stage,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Reason       string           `json:"reason,omitempty"`
	WillRetry    bool             `json:"will_retry"`
}

// EventName returns the last segment of an event type, e.g. "completed"
func EventName(eventType string) string {
	if i := strings.LastIndexByte(eventType, '.'); i >= 0 {
		return eventType[i+1:]
	}
	return eventType
}
