package dlq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

var (
	// ErrInvalidEntry is returned for bodies that are not dead-letter envelopes
	ErrInvalidEntry = errors.New("invalid dead letter entry")

	// ErrNotReplayable is returned for raw entries, which never decoded into a job
	ErrNotReplayable = errors.New("dead letter entry has no job to replay")
)

// DecodeEntry parses a message taken from the quarantine queue
func DecodeEntry(body []byte) (*Entry, error) {
	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if env.Type != domain.EventTypeJobDeadLettered {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidEntry, env.Type)
	}

	var entry Entry
	if err := json.Unmarshal(env.Data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// ReplayJob returns the job to resubmit for entry. The copy forces
// reprocessing and continues the attempt count so a replay is never mistaken
// for a first attempt.
func ReplayJob(entry *Entry) (*domain.Job, error) {
	if entry == nil || entry.Job == nil {
		return nil, ErrNotReplayable
	}

	job := entry.Job.Clone()
	job.Hints.Force = true
	job.AttemptCount = entry.AttemptCount + 1
	return job, nil
}
