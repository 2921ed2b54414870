package domain

import (
	"fmt"
	"time"
)

// Priority orders jobs waiting in the queue
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts high, normal or low
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), true
	default:
		return "", false
	}
}

// MessagePriority maps to AMQP message priority on a queue with x-max-priority 10
func (p Priority) MessagePriority() uint8 {
	switch p {
	case PriorityHigh:
		return 9
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Job is one unit of document-to-markdown conversion work
type Job struct {
	JobID        string            `json:"job_id"`
	ContentID    string            `json:"content_id"`
	ObjectID     string            `json:"object_id,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	OwnerID      string            `json:"owner_id,omitempty"`
	MimeType     string            `json:"mime_type"`
	SourceURL    string            `json:"source_url,omitempty"`
	Hints        Hints             `json:"hints"`
	AttemptCount int               `json:"attempt_count"`
	Priority     Priority          `json:"priority,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks the fields every stage depends on
func (j *Job) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidJob)
	}
	if j.ContentID == "" {
		return fmt.Errorf("%w: content_id is required", ErrInvalidJob)
	}
	if j.MimeType == "" {
		return fmt.Errorf("%w: mime_type is required", ErrInvalidJob)
	}
	if j.AttemptCount < 0 {
		return fmt.Errorf("%w: attempt_count must not be negative", ErrInvalidJob)
	}
	return nil
}

// EffectivePriority resolves the top-level field, then the hint, then normal
func (j *Job) EffectivePriority() Priority {
	if p, ok := ParsePriority(string(j.Priority)); ok {
		return p
	}
	if p, ok := ParsePriority(string(j.Hints.Priority)); ok {
		return p
	}
	return PriorityNormal
}

// Clone returns a deep copy safe to mutate before republishing
func (j *Job) Clone() *Job {
	c := *j
	c.Hints = j.Hints.clone()
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// NextAttempt returns the copy that is republished for a delayed retry
func (j *Job) NextAttempt() *Job {
	c := j.Clone()
	c.AttemptCount++
	return c
}

// JobResult is the outcome of one orchestrator run
type JobResult struct {
	JobID            string            `json:"job_id"`
	Status           ResultStatus      `json:"status"`
	DerivedContentID string            `json:"derived_content_id,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	PageCount        int               `json:"page_count,omitempty"`
	Engine           string            `json:"engine,omitempty"`
	Model            string            `json:"model,omitempty"`
	OutputMimeType   string            `json:"output_mime_type,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ErrorKind        ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	FailedStage      Stage             `json:"failed_stage,omitempty"`
	RetryCount       int               `json:"retry_count"`
}

// Succeeded reports whether the run completed
func (r *JobResult) Succeeded() bool {
	return r.Status == ResultCompleted
}
