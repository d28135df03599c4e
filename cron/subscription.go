package cron

import (
	"sync"
	"time"
)

// Subscription can be detached from the scheduler.
type Subscription interface {
	Unsubscribe()
}

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// RunStats summarizes the runs of one job.
type RunStats struct {
	Runs      int
	Failures  int
	LastRun   time.Time
	LastError error
}

// Handle extends Subscription with lifecycle controls. A recurring job that
// fails reports ScheduleStatusFailed until its next successful run.
type Handle interface {
	Subscription
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	Stats() RunStats
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}
	closeOnce sync.Once
	cancel    sync.Once

	mu     sync.RWMutex
	status ScheduleStatus
	stats  RunStats
}

func (h *jobHandle) Unsubscribe() { h.Cancel() }

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancel.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.end(ScheduleStatusCanceled)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err is the error of the last run, nil after a success.
func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats.LastError
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *jobHandle) Stats() RunStats {
	if h == nil {
		return RunStats{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// begin marks a run as started. It reports false when the handle already
// ended, in which case the run must be skipped.
func (h *jobHandle) begin(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminalStatus(h.status) {
		return false
	}
	h.status = ScheduleStatusRunning
	h.stats.LastRun = now
	return true
}

// finish records the outcome of a run. A one-shot handle ends with it; a
// recurring one goes back to idle or stays failed until the next success.
func (h *jobHandle) finish(err error, oneShot bool) {
	h.mu.Lock()
	h.stats.Runs++
	h.stats.LastError = err
	if err != nil {
		h.stats.Failures++
	}
	var status ScheduleStatus
	switch {
	case isTerminalStatus(h.status):
		status = h.status
	case oneShot && err != nil:
		status = ScheduleStatusFailed
	case oneShot:
		status = ScheduleStatusCompleted
	case err != nil:
		status = ScheduleStatusFailed
	default:
		status = ScheduleStatusIdle
	}
	h.status = status
	h.mu.Unlock()

	if oneShot {
		h.closeDone()
	}
}

// end moves the handle to a terminal status unless it already has one.
func (h *jobHandle) end(status ScheduleStatus) {
	h.mu.Lock()
	if !isTerminalStatus(h.status) {
		h.status = status
	}
	h.mu.Unlock()
	h.closeDone()
}

func (h *jobHandle) closeDone() {
	if h.done == nil {
		return
	}
	h.closeOnce.Do(func() { close(h.done) })
}
