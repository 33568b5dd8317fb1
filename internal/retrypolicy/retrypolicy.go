// Package retrypolicy implements the exponential-backoff-with-jitter retry
// math shared by the priority queue (C1), the pre-generation pipeline (C2),
// and the event scheduler (C7). All three need "how long until the next
// attempt, and should there even be one" and all three want the same curve,
// so it lives in one place instead of three.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a retry/backoff curve.
type Policy struct {
	MaxAttempts int
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64 // default 0.20

	// Retryable, if set, decides whether a given error should be retried at
	// all. A nil Retryable treats every error as retryable.
	Retryable func(err error) bool
}

// DefaultPolicy returns the default backoff curve: base 1s, cap 30s.
func DefaultPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		MinBackoff: 1 * time.Second,
		MaxBackoff: 30 * time.Second,
		JitterFrac: 0.20,
	}
}

// ShouldRetry reports whether attempts (already-made attempt count,
// 1-indexed) warrants another try under p, for the given error.
func (p Policy) ShouldRetry(attempts int, err error) bool {
	if p.MaxAttempts <= 0 || attempts >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// NextDelay computes the exponential backoff with jitter for the given
// attempt count (1-indexed): base * 2^(attempts-1), capped, then jittered
// by +/- JitterFrac.
func (p Policy) NextDelay(attempts int) time.Duration {
	minB, maxB, j := p.MinBackoff, p.MaxBackoff, p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// ClampDuration clamps d into [minD, maxD], treating a non-positive bound as
// "no bound" on that side, and a non-positive d as zero.
func ClampDuration(d, minD, maxD time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if minD > 0 && d < minD {
		return minD
	}
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
