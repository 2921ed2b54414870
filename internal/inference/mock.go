package inference

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"
)

// MockEngine returns canned markdown after an optional delay. A non-zero
// fail rate makes a share of calls fail with ErrUnavailable.
type MockEngine struct {
	delay    time.Duration
	failRate float64
	calls    atomic.Int64
}

func NewMockEngine(delay time.Duration, failRate float64) *MockEngine {
	return &MockEngine{delay: delay, failRate: failRate}
}

func (m *MockEngine) Name() string  { return EngineMock }
func (m *MockEngine) Model() string { return "mock-ocr" }

// Calls returns how many requests were served
func (m *MockEngine) Calls() int64 {
	return m.calls.Load()
}

func (m *MockEngine) Infer(ctx context.Context, req *Request) (*Response, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	n := m.calls.Add(1)
	if m.failRate > 0 && rand.Float64() < m.failRate {
		return nil, fmt.Errorf("%w: mock simulated failure (fail_rate=%.2f)", ErrUnavailable, m.failRate)
	}

	var b strings.Builder
	b.WriteString("# Mock OCR Result\n\n")
	b.WriteString("This is a mock OCR result generated by the mock engine.\n\n")
	fmt.Fprintf(&b, "- **MIME Type**: %s\n", req.MimeType)
	fmt.Fprintf(&b, "- **Size**: %d bytes\n", len(req.Image))
	fmt.Fprintf(&b, "- **Request**: %d\n", n)

	return &Response{Text: b.String(), Model: m.Model()}, nil
}
