// Package backoff computes retry delays for transient infrastructure errors.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Exponential doubles the delay each attempt up to Max and applies full jitter when Jitter is set.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns the delay before retry attempt n (1-indexed).
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}

	if !e.Jitter {
		return time.Duration(base)
	}

	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(rand.Float64() * base)
}
