package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is a CloudEvents 1.0 structured-mode message
type Envelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// NewEnvelope wraps data under a fresh event id
func NewEnvelope(eventType, source, subject string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	return &Envelope{
		ID:              uuid.NewString(),
		Source:          source,
		Type:            eventType,
		Subject:         subject,
		Time:            time.Now().UTC(),
		SpecVersion:     CloudEventsSpecVersion,
		DataContentType: ContentTypeJSON,
		Data:            raw,
	}, nil
}

// Marshal renders the envelope as JSON
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// EncodeJob wraps a job in a submission envelope
func EncodeJob(job *Job, source string) ([]byte, error) {
	env, err := NewEnvelope(EventTypeJobSubmitted, source, job.JobID, job)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// DecodeJob parses a queue message into a job. It accepts a submission
// envelope or a bare job object. The returned job id is best effort and may be
// set even when err is non-nil so failures can still be attributed.
func DecodeJob(body []byte) (*Job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidEnvelope)
	}

	var peek struct {
		SpecVersion string          `json:"specversion"`
		Type        string          `json:"type"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	data := trimmed
	if peek.SpecVersion != "" || peek.Type != "" {
		if peek.SpecVersion != CloudEventsSpecVersion {
			return nil, fmt.Errorf("%w: unsupported specversion %q", ErrInvalidEnvelope, peek.SpecVersion)
		}
		if peek.Type != EventTypeJobSubmitted {
			return nil, fmt.Errorf("%w: unexpected event type %q", ErrInvalidEnvelope, peek.Type)
		}
		if len(peek.Data) == 0 {
			return nil, fmt.Errorf("%w: envelope has no data", ErrInvalidEnvelope)
		}
		data = peek.Data
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		partial := &Job{JobID: peekJobID(data)}
		return partial, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if err := job.Validate(); err != nil {
		return &job, err
	}
	return &job, nil
}

func peekJobID(data []byte) string {
	var idOnly struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(data, &idOnly)
	return idOnly.JobID
}
