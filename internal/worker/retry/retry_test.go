package retry

import (
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Decide(t *testing.T) {
	c := NewController(3, Exponential{Initial: time.Second, Max: time.Minute})

	tests := []struct {
		name         string
		kind         domain.ErrorKind
		attempt      int
		nonRetryable bool
		wantAction   Action
		wantDelay    time.Duration
	}{
		{name: "transient first failure", kind: domain.KindTransient, attempt: 0, wantAction: ActionRetry, wantDelay: time.Second},
		{name: "transient second failure", kind: domain.KindTransient, attempt: 1, wantAction: ActionRetry, wantDelay: 2 * time.Second},
		{name: "timeout third failure", kind: domain.KindTimeout, attempt: 2, wantAction: ActionRetry, wantDelay: 4 * time.Second},
		{name: "transient at bound", kind: domain.KindTransient, attempt: 3, wantAction: ActionExhausted},
		{name: "transient past bound", kind: domain.KindTransient, attempt: 7, wantAction: ActionExhausted},
		{name: "validation never retried", kind: domain.KindValidation, attempt: 0, wantAction: ActionNoRetry},
		{name: "validation past bound is still no retry", kind: domain.KindValidation, attempt: 9, wantAction: ActionNoRetry},
		{name: "permanent never retried", kind: domain.KindPermanent, attempt: 0, wantAction: ActionNoRetry},
		{name: "tagged non-retryable", kind: domain.KindTransient, attempt: 0, nonRetryable: true, wantAction: ActionNoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Decide(tt.kind, tt.attempt, tt.nonRetryable)

			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantDelay, d.Delay)
			assert.Equal(t, tt.wantAction != ActionRetry, d.Terminal())
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestController_ZeroRetries(t *testing.T) {
	c := NewController(0, nil)

	assert.Equal(t, ActionExhausted, c.Decide(domain.KindTransient, 0, false).Action)
}

func TestController_DecideWithLimit(t *testing.T) {
	c := NewController(3, nil)

	assert.Equal(t, ActionRetry, c.DecideWithLimit(domain.KindTransient, 3, 5, false).Action)
	assert.Equal(t, ActionExhausted, c.DecideWithLimit(domain.KindTransient, 5, 5, false).Action)
}

func TestStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		retry    int
		expected time.Duration
	}{
		{name: "constant", strategy: Constant{Interval: 3 * time.Second}, retry: 5, expected: 3 * time.Second},
		{name: "linear", strategy: Linear{Initial: time.Second, Max: 10 * time.Second}, retry: 4, expected: 4 * time.Second},
		{name: "linear capped", strategy: Linear{Initial: time.Second, Max: 10 * time.Second}, retry: 40, expected: 10 * time.Second},
		{name: "exponential first", strategy: Exponential{Initial: time.Second}, retry: 1, expected: time.Second},
		{name: "exponential fourth", strategy: Exponential{Initial: time.Second}, retry: 4, expected: 8 * time.Second},
		{name: "exponential capped", strategy: Exponential{Initial: time.Second, Max: 30 * time.Second}, retry: 10, expected: 30 * time.Second},
		{name: "exponential huge retry does not overflow", strategy: Exponential{Initial: time.Second, Max: time.Hour}, retry: 200, expected: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.strategy.Delay(tt.retry))
		})
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	s := ExponentialWithJitter{Initial: time.Second, Max: time.Minute}

	for retry := 1; retry <= 8; retry++ {
		base := Exponential{Initial: time.Second, Max: time.Minute}.Delay(retry)
		for i := 0; i < 50; i++ {
			d := s.Delay(retry)
			assert.GreaterOrEqual(t, d, base/2)
			assert.LessOrEqual(t, d, base)
		}
	}
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("exponential", time.Second, time.Minute, true)
	require.NoError(t, err)
	assert.IsType(t, ExponentialWithJitter{}, s)

	s, err = NewStrategy("", time.Second, time.Minute, false)
	require.NoError(t, err)
	assert.IsType(t, Exponential{}, s)

	_, err = NewStrategy("fibonacci", time.Second, time.Minute, false)
	require.Error(t, err)
}
