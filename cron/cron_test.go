package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietScheduler(opts ...Option) *Scheduler {
	return NewScheduler(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter("once", 50*time.Millisecond, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	assert.Equal(t, "once", handle.Name())
	assert.Equal(t, RunStats{Runs: 1, LastRun: handle.Stats().LastRun}, handle.Stats())
	assert.NoError(t, handle.Err())
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt("later", time.Now().Add(250*time.Millisecond), func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleAfterRetriesAndReportsFailure(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []error
	)
	scheduler := quietScheduler(
		WithRetries(2, runner.NoDelayStrategy{}),
		WithErrorHandler(func(err error) {
			mu.Lock()
			failed = append(failed, err)
			mu.Unlock()
		}),
	)
	var attempts atomic.Int32
	boom := errors.New("store offline")

	handle, err := scheduler.ScheduleAfter("flaky", 0, func(context.Context) error {
		attempts.Add(1)
		return boom
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected failed handle to finish")
	}

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.ErrorIs(t, handle.Err(), boom)
	stats := handle.Stats()
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.Failures)
	assert.False(t, stats.LastRun.IsZero())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], boom)
}

func TestScheduleAfterRecoversPanics(t *testing.T) {
	scheduler := quietScheduler()
	handle, err := scheduler.ScheduleAfter("panicky", 0, func(context.Context) error {
		panic("bad job")
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle to finish")
	}
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.Contains(t, handle.Err().Error(), "bad job")
}

func TestScheduleCancelableHandle(t *testing.T) {
	scheduler := quietScheduler()
	var count atomic.Int32

	handle, err := scheduler.Schedule("tick", "@every 1s", func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}

	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := quietScheduler()
	handle, err := scheduler.Schedule("tick", "@every 5s", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}

	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}

	if status := handle.Status(); status != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", status)
	}
}

func TestScheduleValidation(t *testing.T) {
	scheduler := quietScheduler()

	if _, err := scheduler.Schedule("empty", "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty expression error")
	}
	if _, err := scheduler.Schedule("nil", "@every 1s", nil); err == nil {
		t.Fatal("expected nil job error")
	}
	if _, err := scheduler.Schedule("bad", "not a cron line", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeExpirer struct {
	calls   atomic.Int32
	idleFor atomic.Int64
	limit   atomic.Int64
}

func (f *fakeExpirer) Expire(_ context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error) {
	f.idleFor.Store(int64(idleFor))
	f.limit.Store(int64(limit))
	f.calls.Add(1)
	return []orchestrator.Message{{Kind: orchestrator.KindDismissed, InstanceID: "i1", Reason: "expired"}}, nil
}

type fakePruner struct{ calls atomic.Int32 }

func (f *fakePruner) Prune(context.Context) (int, error) {
	f.calls.Add(1)
	return 2, nil
}

func TestMaintenanceJobs(t *testing.T) {
	exp := &fakeExpirer{}
	require.NoError(t, ExpireJob(exp, time.Hour, 50, nil)(context.Background()))
	assert.Equal(t, int32(1), exp.calls.Load())
	assert.Equal(t, time.Hour, time.Duration(exp.idleFor.Load()))
	assert.Equal(t, int64(50), exp.limit.Load())

	pr := &fakePruner{}
	require.NoError(t, PruneJob(pr, nil)(context.Background()))
	assert.Equal(t, int32(1), pr.calls.Load())

	assert.Error(t, ExpireJob(nil, time.Hour, 0, nil)(context.Background()))
	assert.Error(t, PruneJob(nil, nil)(context.Background()))

	var called bool
	fn := ExpirerFunc(func(context.Context, time.Duration, int) ([]orchestrator.Message, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, ExpireJob(fn, time.Minute, 0, nil)(context.Background()))
	assert.True(t, called)
}

func TestScheduleMaintenance(t *testing.T) {
	scheduler := quietScheduler()
	exp, pr := &fakeExpirer{}, &fakePruner{}

	handles, err := ScheduleMaintenance(scheduler, Maintenance{
		IdleFor:        30 * time.Minute,
		ExpireSchedule: "@every 1s",
		PruneSchedule:  "@every 1s",
	}, exp, pr)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "expire-idle", handles[0].Name())
	assert.Equal(t, "prune-idempotency", handles[1].Name())

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for exp.calls.Load() == 0 || pr.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected maintenance jobs to run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.Equal(t, 30*time.Minute, time.Duration(exp.idleFor.Load()))

	_, err = ScheduleMaintenance(quietScheduler(), Maintenance{ExpireSchedule: "@every 1s"}, exp, nil)
	assert.Error(t, err)

	handles, err = ScheduleMaintenance(quietScheduler(), Maintenance{}, exp, pr)
	require.NoError(t, err)
	assert.Empty(t, handles)
}
