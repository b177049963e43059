// Package retry provides capped exponential backoff and a bounded retry loop
// that reports its result as a tagged value instead of an error chain.
package retry

import (
	"math"
	"time"
)

// maxShift bounds the exponent so 1<<shift never overflows a Duration.
const maxShift = 62

// Exponential returns base·2^exp capped at max. A max <= 0 disables the cap;
// negative exponents are treated as 0 and overflow saturates at max (or
// math.MaxInt64 when uncapped).
func Exponential(base time.Duration, exp int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if exp < 0 {
		exp = 0
	}
	limit := time.Duration(math.MaxInt64)
	if max > 0 {
		limit = max
	}
	if exp > maxShift || base > limit>>uint(exp) {
		return limit
	}
	d := base << uint(exp)
	if d > limit {
		return limit
	}
	return d
}

// Backoff is a capped exponential schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// ExpCap caps the exponent (0 means no cap).
	ExpCap int
}

// Delay returns the wait before the retry that follows attemptCount prior
// attempts: min(Base·2^min(attemptCount, ExpCap), Max).
func (b Backoff) Delay(attemptCount int) time.Duration {
	exp := attemptCount
	if b.ExpCap > 0 && exp > b.ExpCap {
		exp = b.ExpCap
	}
	return Exponential(b.Base, exp, b.Max)
}
