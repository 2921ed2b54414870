package rabbitmq

import (
	"fmt"
	"slices"
	"time"
)

// normalizeTiers sorts tiers ascending and drops non-positive and duplicate entries
func normalizeTiers(tiers []time.Duration) []time.Duration {
	out := make([]time.Duration, 0, len(tiers))
	for _, t := range tiers {
		if t > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// selectTier picks the shortest tier not shorter than delay, so a retry never
// becomes visible before its backoff. Delays past the longest tier use it.
// tiers must be sorted ascending and non-empty.
func selectTier(delay time.Duration, tiers []time.Duration) time.Duration {
	i, _ := slices.BinarySearch(tiers, delay)
	if i == len(tiers) {
		return tiers[len(tiers)-1]
	}
	return tiers[i]
}

// retryTierNames returns the queue and binding key of one tier, suffixed with
// its TTL in milliseconds
func (c *Config) retryTierNames(tier time.Duration) (queue, routingKey string) {
	ms := tier.Milliseconds()
	return fmt.Sprintf("%s.%d", c.RetryQueueName, ms), fmt.Sprintf("%s.%d", c.RetryRoutingKey, ms)
}
