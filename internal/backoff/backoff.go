package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter returns an exponential delay with full jitter.
//
//	delay = max(minDelay, rand(0, min(cap, base * 2^attempt)))
func Jitter(attempt int, base, cap time.Duration) time.Duration {
	const minDelay = 10 * time.Millisecond
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) || exp <= 0 { // overflow guard
		exp = float64(cap)
	}
	jitter := time.Duration(rand.Int64N(int64(exp)))
	if jitter < minDelay {
		jitter = minDelay
	}
	return jitter
}

// Schedule is an explicit bounded retry state machine: a fixed attempt
// budget with jittered exponential delays between attempts.
type Schedule struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	attempt int
}

// Attempt returns the number of attempts consumed so far.
func (s *Schedule) Attempt() int { return s.attempt }

// Exhausted reports whether the attempt budget is spent.
func (s *Schedule) Exhausted() bool { return s.attempt >= s.MaxAttempts }

// Reset rewinds the schedule to its first attempt.
func (s *Schedule) Reset() { s.attempt = 0 }

// Wait consumes one attempt and sleeps for the next jittered delay, or
// returns ctx.Err() if the context is cancelled first. Returns false when
// the budget was already exhausted, in which case it does not sleep.
func (s *Schedule) Wait(ctx context.Context) (bool, error) {
	if s.Exhausted() {
		return false, nil
	}
	delay := Jitter(s.attempt, s.Base, s.Cap)
	s.attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
