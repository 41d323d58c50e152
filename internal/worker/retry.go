package worker

import "time"

// Default reconnect policy.
const (
	DefaultReconnectBase        = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// RetryState is one point in a reconnect sequence. Values are never mutated;
// each attempt derives the next state from the previous one.
type RetryState struct {
	Attempt      int
	NextEligible time.Time
}

// Backoff computes exponential reconnect delays bounded by an attempt ceiling.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns base * 2^(attempt-1). Attempts below 1 have no delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return b.Base << (attempt - 1)
}

// Next returns the state for the attempt after prev. ok is false once the
// ceiling is exceeded; the returned state still carries the attempt number.
func (b Backoff) Next(prev RetryState, now time.Time) (RetryState, bool) {
	attempt := prev.Attempt + 1
	if attempt > b.MaxAttempts {
		return RetryState{Attempt: attempt}, false
	}
	return RetryState{Attempt: attempt, NextEligible: now.Add(b.Delay(attempt))}, true
}

// Wait returns how long to sleep before the state is eligible.
func (s RetryState) Wait(now time.Time) time.Duration {
	if d := s.NextEligible.Sub(now); d > 0 {
		return d
	}
	return 0
}
