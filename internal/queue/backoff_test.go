package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDeterministicPerRunAndAttempt(t *testing.T) {
	a := Backoff(time.Second, time.Minute, "run-1", 3)
	b := Backoff(time.Second, time.Minute, "run-1", 3)
	assert.Equal(t, a, b, "same (run, attempt) must yield the same delay")
}

func TestBackoffVariesAcrossRuns(t *testing.T) {
	// With jitter seeded per run, a thundering herd of retries from
	// different runs should not collapse onto one instant.
	seen := map[time.Duration]bool{}
	for _, run := range []string{"r-a", "r-b", "r-c", "r-d", "r-e"} {
		seen[Backoff(time.Second, time.Minute, run, 2)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base, max := time.Second, 8*time.Second
	prevCeil := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(base, max, "run-x", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d over cap", attempt)
		assert.Greater(t, d, time.Duration(0))
		if attempt <= 4 {
			ceil := base << (attempt - 1)
			assert.LessOrEqual(t, d, ceil, "attempt %d over its window", attempt)
			assert.GreaterOrEqual(t, ceil, prevCeil)
			prevCeil = ceil
		}
	}
}

func TestBackoffJitterStaysInUpperHalf(t *testing.T) {
	for attempt := 2; attempt <= 6; attempt++ {
		d := Backoff(4*time.Second, time.Hour, "run-y", attempt)
		window := 4 * time.Second << (attempt - 1)
		if window > time.Hour {
			window = time.Hour
		}
		assert.GreaterOrEqual(t, d, window/2)
		assert.LessOrEqual(t, d, window)
	}
}

func TestBackoffDefaults(t *testing.T) {
	d := Backoff(0, 0, "run-z", 1)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 5*time.Minute)
}
