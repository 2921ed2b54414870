package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/api/dto"
	"github.com/cuongbtq/simple-ocr/internal/jobclient"
	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
	"github.com/gin-gonic/gin"
)

// SubmitJob handles POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	job, err := h.jobs.SubmitJob(c.Request.Context(), req.ToJob())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.NewSubmitJobResponse(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	rec, err := h.jobs.QueryStatus(c.Request.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Job not found or not yet picked up",
			"job_id": jobID,
		})
		return
	case errors.Is(err, tracker.ErrUnavailable), errors.Is(err, jobclient.ErrStatusUnavailable):
		h.logger.Error("Job status unavailable", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job status unavailable"})
		return
	default:
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	resp := dto.JobStatusResponse{
		JobID:            rec.JobID,
		State:            string(rec.State),
		DerivedContentID: rec.ResultRef,
		Owner:            rec.Owner,
		ErrorKind:        string(rec.ErrorKind),
		ErrorMessage:     rec.ErrorMessage,
		StartedAt:        rec.StartedAt.Format(time.RFC3339),
	}
	if rec.FinishedAt != nil {
		resp.FinishedAt = rec.FinishedAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// ReplayDeadLetter handles POST /api/v1/dlq/replay. The body is a dead-letter
// entry as found in the quarantine queue's envelope data.
func (h *JobHandler) ReplayDeadLetter(c *gin.Context) {
	var entry dlq.Entry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	job, err := h.jobs.Replay(c.Request.Context(), &entry)
	if err != nil {
		if errors.Is(err, dlq.ErrNotReplayable) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to replay job", slog.String("job_id", entry.JobID()), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to replay job"})
		return
	}

	c.JSON(http.StatusAccepted, dto.NewSubmitJobResponse(job))
}
