// Package backoff computes the wait before a job retry or a tenant
// reconnect. Strategies hold no state and may be shared.
package backoff

import (
	"math/bits"
	"time"
)

// Strategy maps the number of earlier attempts (0 before the first retry)
// to a delay.
type Strategy interface {
	Delay(attempts int) time.Duration
}

// Constant waits the same Interval every time.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a strategy that always waits interval.
func NewConstant(interval time.Duration) *Constant { return &Constant{Interval: interval} }

// Delay returns Interval regardless of attempts.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Exponential waits Base*2^attempts, clamped to Max. Max <= 0 means no
// clamp, in which case the delay saturates at the largest Duration instead
// of overflowing.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential returns a strategy starting at base and doubling per
// attempt up to maxDelay.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base*2^attempts clamped to Max. Negative attempts count
// as zero.
func (e *Exponential) Delay(attempts int) time.Duration {
	attempts = max(attempts, 0)

	d := saturated
	// Base<<attempts fits when Base has more than attempts leading zeros
	// (one is kept for the sign bit).
	if e.Base <= 0 || attempts < bits.LeadingZeros64(uint64(e.Base)) {
		d = e.Base << attempts
	}
	if e.Max > 0 {
		d = min(d, e.Max)
	}
	return d
}

const saturated = time.Duration(1<<63 - 1)

// DefaultStrategy is the job retry schedule: 30s doubling to a 1h ceiling.
func DefaultStrategy() Strategy {
	return NewExponential(30*time.Second, time.Hour)
}
