package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

// MemoryTracker keeps records in process. Only correct for a single worker
// process; used for local runs and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// MemoryOption configures a MemoryTracker
type MemoryOption func(*MemoryTracker)

// WithClock overrides time.Now
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryTracker) {
		m.now = now
	}
}

// NewMemoryTracker creates an empty in-process tracker
func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	m := &MemoryTracker{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryTracker) TryBegin(_ context.Context, jobID string, opts BeginOptions) (BeginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	res := decide(m.records[jobID], opts.Force, now)
	if res.Outcome != Proceed {
		return res, nil
	}

	m.records[jobID] = &Record{
		JobID:          jobID,
		State:          StateInProgress,
		Owner:          opts.Owner,
		StartedAt:      now,
		LeaseExpiresAt: now.Add(opts.lease()),
	}
	return res, nil
}

func (m *MemoryTracker) Extend(_ context.Context, jobID, owner string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.ownedLocked(jobID, owner)
	if err != nil {
		return err
	}
	rec.LeaseExpiresAt = m.now().Add(lease)
	return nil
}

func (m *MemoryTracker) Complete(_ context.Context, jobID, owner, resultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.ownedLocked(jobID, owner)
	if err != nil {
		return err
	}
	now := m.now()
	rec.State = StateCompleted
	rec.ResultRef = resultRef
	rec.ErrorKind = ""
	rec.ErrorMessage = ""
	rec.FinishedAt = &now
	return nil
}

func (m *MemoryTracker) Fail(_ context.Context, jobID, owner string, kind domain.ErrorKind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.ownedLocked(jobID, owner)
	if err != nil {
		return err
	}
	now := m.now()
	rec.State = StateFailed
	rec.ErrorKind = kind
	rec.ErrorMessage = message
	rec.FinishedAt = &now
	return nil
}

func (m *MemoryTracker) Release(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ownedLocked(jobID, owner); err != nil {
		return err
	}
	delete(m.records, jobID)
	return nil
}

func (m *MemoryTracker) Get(_ context.Context, jobID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MemoryTracker) ownedLocked(jobID, owner string) (*Record, error) {
	rec, ok := m.records[jobID]
	if !ok || rec.State != StateInProgress || rec.Owner != owner {
		return nil, ErrNotOwner
	}
	return rec, nil
}
