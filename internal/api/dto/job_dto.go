package dto

import (
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

type SubmitJobRequest struct {
	JobID     string            `json:"job_id"`
	ContentID string            `json:"content_id" binding:"required"`
	ObjectID  string            `json:"object_id"`
	TenantID  string            `json:"tenant_id"`
	OwnerID   string            `json:"owner_id"`
	MimeType  string            `json:"mime_type" binding:"required"`
	SourceURL string            `json:"source_url"`
	Priority  string            `json:"priority"`
	Hints     domain.Hints      `json:"hints"`
	Metadata  map[string]string `json:"metadata"`
}

// ToJob maps the request onto a job; the job id stays empty when not supplied
func (r *SubmitJobRequest) ToJob() *domain.Job {
	return &domain.Job{
		JobID:     r.JobID,
		ContentID: r.ContentID,
		ObjectID:  r.ObjectID,
		TenantID:  r.TenantID,
		OwnerID:   r.OwnerID,
		MimeType:  r.MimeType,
		SourceURL: r.SourceURL,
		Priority:  domain.Priority(r.Priority),
		Hints:     r.Hints,
		Metadata:  r.Metadata,
	}
}

type SubmitJobResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Attempt     int    `json:"attempt_count"`
	SubmittedAt string `json:"submitted_at"`
}

func NewSubmitJobResponse(job *domain.Job) SubmitJobResponse {
	return SubmitJobResponse{
		JobID:       job.JobID,
		Status:      "queued",
		Priority:    string(job.EffectivePriority()),
		Attempt:     job.AttemptCount,
		SubmittedAt: job.CreatedAt.Format(time.RFC3339),
	}
}

type JobStatusResponse struct {
	JobID            string `json:"job_id"`
	State            string `json:"state"`
	DerivedContentID string `json:"derived_content_id,omitempty"`
	Owner            string `json:"owner,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at,omitempty"`
}
