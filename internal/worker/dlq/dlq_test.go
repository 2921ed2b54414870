package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	bodies [][]byte
	err    error
	ctxErr error
}

func (f *fakePublisher) PublishDeadLetter(ctx context.Context, body []byte) error {
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:        "j1",
		ContentID:    "c1",
		MimeType:     "image/png",
		AttemptCount: 3,
		Priority:     domain.PriorityHigh,
		Metadata:     map[string]string{"tenant": "acme"},
	}
}

func TestRouter_Route(t *testing.T) {
	tests := []struct {
		name      string
		kind      domain.ErrorKind
		reason    string
		wantClass domain.ErrorKind
	}{
		{name: "exhausted timeout", kind: domain.KindTimeout, reason: "retries exhausted", wantClass: domain.KindTransient},
		{name: "permanent", kind: domain.KindPermanent, reason: "permanent error", wantClass: domain.KindPermanent},
		{name: "validation", kind: domain.KindValidation, reason: "validation error", wantClass: domain.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			r := NewRouter(pub, logger.NewDiscard(), WithWorkerID("w1"), WithMaxRetries(3))
			fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			r.now = func() time.Time { return fixed }

			r.Route(context.Background(), testJob(), tt.kind, "boom", 3, tt.reason)
			require.Len(t, pub.bodies, 1)

			entry, err := DecodeEntry(pub.bodies[0])
			require.NoError(t, err)
			assert.Equal(t, "j1", entry.JobID())
			assert.Equal(t, tt.kind, entry.ErrorKind)
			assert.Equal(t, tt.wantClass, entry.ErrorClass)
			assert.Equal(t, "boom", entry.ErrorMessage)
			assert.Equal(t, 3, entry.AttemptCount)
			assert.Equal(t, 3, entry.MaxRetries)
			assert.Equal(t, tt.reason, entry.Reason)
			assert.Equal(t, "w1", entry.WorkerID)
			assert.True(t, fixed.Equal(entry.FailedAt))
			assert.Equal(t, "acme", entry.Job.Metadata["tenant"])
		})
	}
}

func TestRouter_RouteRaw(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(pub, logger.NewDiscard())

	r.RouteRaw(context.Background(), []byte("not json"), "invalid job envelope")
	require.Len(t, pub.bodies, 1)

	entry, err := DecodeEntry(pub.bodies[0])
	require.NoError(t, err)
	assert.Nil(t, entry.Job)
	assert.Equal(t, "not json", entry.Raw)
	assert.Equal(t, domain.KindValidation, entry.ErrorKind)

	_, err = ReplayJob(entry)
	assert.ErrorIs(t, err, ErrNotReplayable)
}

func TestRouter_SurvivesCancelledContextAndPublishErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := &fakePublisher{}
	r := NewRouter(pub, logger.NewDiscard())
	r.Route(ctx, testJob(), domain.KindPermanent, "boom", 0, "permanent error")
	require.Len(t, pub.bodies, 1)
	assert.NoError(t, pub.ctxErr)

	failing := &fakePublisher{err: errors.New("channel closed")}
	assert.NotPanics(t, func() {
		NewRouter(failing, logger.NewDiscard()).Route(context.Background(), testJob(), domain.KindPermanent, "boom", 0, "permanent error")
	})
}

func TestRouter_PublishFailureLogsEntry(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	failing := &fakePublisher{err: errors.New("channel closed")}
	NewRouter(failing, log, WithWorkerID("w1")).Route(context.Background(), testJob(), domain.KindPermanent, "corrupt page 3", 3, "permanent error")

	var line struct {
		Msg   string `json:"msg"`
		Error string `json:"error"`
		Entry Entry  `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Failed to publish dead letter entry", line.Msg)
	assert.Equal(t, "channel closed", line.Error)
	require.NotNil(t, line.Entry.Job)
	assert.Equal(t, "j1", line.Entry.Job.JobID)
	assert.Equal(t, "corrupt page 3", line.Entry.ErrorMessage)
	assert.Equal(t, "w1", line.Entry.WorkerID)
}

func TestDecodeEntry_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "submission envelope", body: `{"specversion":"1.0","type":"com.simple-ocr.job.submitted","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestReplayJob(t *testing.T) {
	original := testJob()
	entry := &Entry{Job: original, AttemptCount: 3}

	job, err := ReplayJob(entry)
	require.NoError(t, err)

	assert.True(t, job.Hints.Force)
	assert.Equal(t, 4, job.AttemptCount)
	assert.Equal(t, original.JobID, job.JobID)
	assert.False(t, original.Hints.Force, "entry job must not be mutated")

	job.Metadata["tenant"] = "other"
	assert.Equal(t, "acme", original.Metadata["tenant"])
}
