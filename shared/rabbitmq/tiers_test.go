package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelectTier(t *testing.T) {
	tiers := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

	tests := []struct {
		name  string
		delay time.Duration
		want  time.Duration
	}{
		{name: "below the shortest tier", delay: 100 * time.Millisecond, want: time.Second},
		{name: "exact tier", delay: 2 * time.Second, want: 2 * time.Second},
		{name: "between tiers rounds up", delay: 2500 * time.Millisecond, want: 4 * time.Second},
		{name: "just over a tier", delay: 4*time.Second + time.Millisecond, want: 8 * time.Second},
		{name: "past the longest tier", delay: time.Minute, want: 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectTier(tt.delay, tiers))
		})
	}
}

func TestSelectTier_ShortDelayNotBlockedByLongOne(t *testing.T) {
	tiers := normalizeTiers([]time.Duration{8 * time.Second, time.Second, 2 * time.Second, 4 * time.Second})

	long := selectTier(8*time.Second, tiers)
	short := selectTier(time.Second, tiers)

	assert.NotEqual(t, long, short, "different backoffs must not share a queue")
	assert.Equal(t, time.Second, short)
}

func TestNormalizeTiers(t *testing.T) {
	got := normalizeTiers([]time.Duration{4 * time.Second, 0, time.Second, -time.Second, 4 * time.Second, 2 * time.Second})
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got)

	assert.Empty(t, normalizeTiers(nil))
}

func TestRetryTierNames(t *testing.T) {
	cfg := &Config{RetryQueueName: "ocr.jobs.retry", RetryRoutingKey: "ocr.jobs.retry"}

	queue, key := cfg.retryTierNames(1500 * time.Millisecond)

	assert.Equal(t, "ocr.jobs.retry.1500", queue)
	assert.Equal(t, "ocr.jobs.retry.1500", key)
}
