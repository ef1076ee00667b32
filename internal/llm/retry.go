package llm

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry attempt n (0-based).
// The base doubles each attempt and is capped at max; jitter adds up to
// a tenth of the base on top, still clamped to max. Because the base
// doubles while jitter stays under base/10, the sequence of delays is
// non-decreasing until it pins at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	base := initial
	for i := 0; i < attempt && base < max; i++ {
		base *= 2
	}
	if base >= max {
		return max
	}

	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	if base+jitter > max {
		return max
	}
	return base + jitter
}
