package runner

import (
	"time"

	"github.com/goliatone/go-orchestrator/logging"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

// WithMaxRetries sets how many times a failed attempt is repeated. The total
// number of attempts is max+1.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithRetryIf restricts retries to errors accepted by fn. Other errors end
// the run on the first attempt.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryIf = fn
	}
}
