/*
backoff.go - Bounded exponential retry policy

PURPOSE:
  Transport failures revert entries to pending with an incremented retry
  count. This policy decides when an entry is due for resubmission and
  when retries are exhausted, at which point the entry surfaces as
  permanently failed and requires user action.
*/
package client

import "time"

// =============================================================================
// BACKOFF
// =============================================================================

type Backoff struct {
	// Base is the delay after the first failure; each retry doubles it.
	Base time.Duration

	// Max caps the per-entry delay.
	Max time.Duration

	// MaxRetries caps total attempts per entry. Beyond this the entry is
	// marked failed with retry_exhausted, never silently retried forever.
	MaxRetries int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       2 * time.Second,
		Max:        5 * time.Minute,
		MaxRetries: 8,
	}
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether an entry has used up its retry budget.
func (b Backoff) Exhausted(retryCount int) bool {
	return retryCount >= b.MaxRetries
}

// Due reports whether an entry that last failed at lastAttempt with the
// given retry count should be included in the next batch.
func (b Backoff) Due(retryCount int, lastAttempt, now time.Time) bool {
	if retryCount <= 0 || lastAttempt.IsZero() {
		return true
	}
	return !now.Before(lastAttempt.Add(b.Delay(retryCount)))
}
