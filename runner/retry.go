package runner

import (
	"math"
	"time"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the full answer of a strategy that can also veto a retry.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that decide per error whether a
// retry should happen at all.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration
// with ShouldRetry set when the strategy is not a RetryDecider.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   5 * time.Millisecond,
//	    Factor: 2,
//	    Max:    200 * time.Millisecond,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay
	Base time.Duration
	// Factor is multiplied each iteration (2 => 5ms, 10ms, 20ms, ...)
	Factor float64
	// Max caps the exponential growth
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}
