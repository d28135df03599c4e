package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestrator/logging"
)

// Handler runs a function with bounded retries, backoff and an optional
// timeout. A Handler is safe for concurrent use.
type Handler struct {
	mu sync.Mutex

	logger        logging.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryIf       func(error) bool

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. It returns the number of attempts made and the last error
// unchanged so callers can match on it.
func (h *Handler) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	retryIf := h.retryIf
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var (
		err      error
		attempts int
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = fn(ctx, attempt)
		if err == nil {
			break
		}
		if retryIf != nil && !retryIf(err) {
			break
		}
		if attempt == maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logDebug("retrying after attempt %d of %d: %v", attempt+1, maxRetries+1, err)
		if waitErr := sleep(ctx, decision.Delay); waitErr != nil {
			err = waitErr
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	if err == nil {
		h.successfulRuns++
		return attempts, nil
	}
	h.errorHandler(apperrors.Wrap(err, apperrors.CategoryHandler,
		fmt.Sprintf("run failed after %d attempts", attempts),
	).WithMetadata(map[string]any{
		"attempts":    attempts,
		"max_retries": maxRetries,
	}))
	return attempts, err
}

// Stats returns total and successful run counts.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

// MaxAttempts is the attempt budget of one Run.
func (h *Handler) MaxAttempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxRetries + 1
}

func (h *Handler) logDebug(format string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
