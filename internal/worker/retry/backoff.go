package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry n, where n = 1 is the first retry
type Strategy interface {
	Delay(retry int) time.Duration
}

// Constant always waits Interval
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear waits Initial*n, capped at Max
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(retry int) time.Duration {
	return capDelay(l.Initial*time.Duration(max(retry, 1)), l.Max)
}

// Exponential waits Initial*2^(n-1), capped at Max: 1s, 2s, 4s, 8s...
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(retry int) time.Duration {
	return capDelay(exponentialBase(e.Initial, retry), e.Max)
}

// ExponentialWithJitter spreads each exponential step uniformly over [base/2, base]
// so synchronized failures do not come back as a burst
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(retry int) time.Duration {
	base := capDelay(exponentialBase(e.Initial, retry), e.Max)
	half := base / 2
	if half <= 0 {
		return base
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func exponentialBase(initial time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(initial) * math.Pow(2, float64(retry-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func capDelay(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// NewStrategy builds a strategy by name: constant, linear, exponential
func NewStrategy(name string, initial, maxDelay time.Duration, jitter bool) (Strategy, error) {
	switch name {
	case "constant":
		return Constant{Interval: initial}, nil
	case "linear":
		return Linear{Initial: initial, Max: maxDelay}, nil
	case "exponential", "":
		if jitter {
			return ExponentialWithJitter{Initial: initial, Max: maxDelay}, nil
		}
		return Exponential{Initial: initial, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
