package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-orchestrator/logging"
)

var errBoom = errors.New("boom")

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	err       error
}

func (c *countingFunc) fn(ctx context.Context, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		if c.err != nil {
			return c.err
		}
		return errBoom
	}
	return nil
}

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()

	cf := &countingFunc{}
	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || cf.calls != 1 {
		t.Errorf("expected one attempt, got attempts=%d calls=%d", attempts, cf.calls)
	}
	if runs, ok := h.Stats(); runs != 1 || ok != 1 {
		t.Errorf("expected runs=1 successful=1, got %d/%d", runs, ok)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))

	cf := &countingFunc{failUntil: 1}
	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected attempts=2, got %d", attempts)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	var reported error
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(func(err error) { reported = err }))

	cf := &countingFunc{failUntil: 5}
	attempts, err := h.Run(context.Background(), cf.fn)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected last error returned unchanged, got %v", err)
	}
	if attempts != 3 || cf.calls != 3 {
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got %d", attempts)
	}
	if reported == nil {
		t.Error("expected error handler to be called")
	}
	if _, ok := h.Stats(); ok != 0 {
		t.Errorf("expected no successful runs, got %d", ok)
	}
	if h.MaxAttempts() != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", h.MaxAttempts())
	}
}

func TestHandler_RetryIfStopsOnOtherErrors(t *testing.T) {
	permanent := errors.New("permanent")
	h := NewHandler(
		WithMaxRetries(5),
		WithRetryIf(func(err error) bool { return errors.Is(err, errBoom) }),
	)

	cf := &countingFunc{failUntil: 5, err: permanent}
	attempts, err := h.Run(context.Background(), cf.fn)
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestHandler_DecisionVetoesRetry(t *testing.T) {
	h := NewHandler(
		WithMaxRetries(5),
		WithRetryStrategy(fixedDecisionStrategy{decision: RetryDecision{ShouldRetry: false}}),
	)
	cf := &countingFunc{failUntil: 5}
	attempts, _ := h.Run(context.Background(), cf.fn)
	if attempts != 1 {
		t.Errorf("expected veto after first attempt, got %d", attempts)
	}
}

func TestHandler_BackoffRespectsCancellation(t *testing.T) {
	h := NewHandler(
		WithMaxRetries(3),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Second, Factor: 2}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cf := &countingFunc{failUntil: 5}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.Run(ctx, cf.fn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) >= time.Second {
		t.Error("expected backoff to stop on cancellation")
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	_, err := h.Run(context.Background(), func(ctx context.Context, _ int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_Deadline(t *testing.T) {
	h := NewHandler(WithDeadline(time.Now().Add(50 * time.Millisecond)))

	start := time.Now()
	_, err := h.Run(context.Background(), func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to stop at deadline, but took too long")
	}
	if err == nil {
		t.Error("expected deadline error")
	}
}

func TestHandler_Concurrency(t *testing.T) {
	h := NewHandler(WithMaxRetries(1), WithLogger(logging.Discard()))
	wg := sync.WaitGroup{}
	const goroutines = 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cf := &countingFunc{failUntil: 1}
			if _, err := h.Run(context.Background(), cf.fn); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if runs, ok := h.Stats(); runs != goroutines || ok != goroutines {
		t.Errorf("expected %d runs and successes, got %d/%d", goroutines, runs, ok)
	}
}
