package queue

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// Backoff computes the retry delay for an attempt: exponential growth
// from base, capped at max, with jitter in the upper half of the window.
// The jitter is seeded by (runID, attempt) so a replayed schedule is
// reproducible.
func Backoff(base, max time.Duration, runID string, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	h := fnv.New64a()
	h.Write([]byte(runID))
	seed := int64(h.Sum64()) + int64(attempt)
	r := rand.New(rand.NewSource(seed))

	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + r.Int63n(half))
}
