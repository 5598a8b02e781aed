package nsq

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before a reconnect attempt.
// attempt is 1 for the first retry and grows with every consecutive failure,
// including sessions dropped right after the handshake. It resets once a
// session stays up for the duration set by WithBackoffResetAfter.
type BackoffStrategy interface {
	Backoff(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffStrategy.
type BackoffFunc func(attempt int) time.Duration

// Backoff calls f(attempt).
func (f BackoffFunc) Backoff(attempt int) time.Duration {
	return f(attempt)
}

// NoBackoff retries immediately. It is the default strategy.
type NoBackoff struct{}

// Backoff always returns zero.
func (NoBackoff) Backoff(_ int) time.Duration {
	return 0
}

// ExponentialBackoff doubles the delay on every attempt up to Max.
// Jitter is the fraction (0..1) of the delay that is randomized;
// 1 gives "full jitter", 0 gives a deterministic schedule.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// NewExponentialBackoff creates an exponential strategy with 20% jitter.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   base,
		Max:    maxDelay,
		Jitter: 0.2,
	}
}

// Backoff returns Base * 2^(attempt-1), capped at Max, with jitter applied.
func (b *ExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
		// overflow guard for very large attempt counts without Max
		if delay <= 0 {
			delay = time.Duration(1<<63 - 1)
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}

	spread := time.Duration(float64(delay) * jitter)
	if spread <= 0 {
		return delay
	}
	return delay - spread + rand.N(spread+1)
}
