package router

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls same-provider retries. MaxAttempts counts the first
// call too, so MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 1.0,
	}
}

// backOff builds a fresh schedule for one provider attempt sequence. Each
// sequence gets its own instance; the attempt counter is not shared.
func (p RetryPolicy) backOff() backoff.BackOff {
	return &expBackOff{policy: p, rand: rand.Float64}
}

// expBackOff implements backoff.BackOff with the schedule
//
//	delay(n) = min(MaxDelay, BaseDelay * 2^(n-1)) + jitter, jitter in [0, JitterFactor*delay)
//
// Jitter is strictly below the doubled base, so consecutive delays keep
// increasing until the MaxDelay cap is reached.
type expBackOff struct {
	policy  RetryPolicy
	attempt int
	rand    func() float64
}

func (b *expBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := float64(b.policy.BaseDelay) * math.Pow(2, float64(b.attempt-1))
	if capped := float64(b.policy.MaxDelay); delay > capped {
		delay = capped
	}
	jitter := b.rand() * b.policy.JitterFactor * delay
	return time.Duration(delay + jitter)
}

func (b *expBackOff) Reset() {
	b.attempt = 0
}
