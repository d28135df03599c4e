package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"

	rcron "github.com/robfig/cron/v3"
)

// Job is one unit of scheduled maintenance work.
type Job func(ctx context.Context) error

// Scheduler runs maintenance jobs on cron expressions.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   logging.Logger
	parser   Parser
	logLevel LogLevel

	timeout    time.Duration
	maxRetries int
	strategy   runner.RetryStrategy

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		strategy: runner.NoDelayStrategy{},
		handles:  make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.Normalize(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// Schedule runs job on every tick of expression. A tick that fires while the
// previous run of the same job is still going is skipped.
func (s *Scheduler) Schedule(name, expression string, job Job) (Handle, error) {
	name = strings.TrimSpace(name)
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("job %q cannot be nil", name)
	}
	run := s.runnable(name, job)

	sub := s.newHandle(name)
	entry := rcron.FuncJob(func() {
		if !sub.begin(time.Now()) {
			return
		}
		err := run()
		sub.finish(err, false)
		if err != nil {
			s.errorHandler(err)
		}
	})

	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(&loggerAdapter{logger: s.logger, level: s.logLevel})).Then(entry)
	entryID, err := s.cron.AddJob(expression, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to add job %q: %w", name, err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter runs job once after delay.
func (s *Scheduler) ScheduleAfter(name string, delay time.Duration, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(name, time.Now().Add(delay), job)
}

// ScheduleAt runs job once at a specific time.
func (s *Scheduler) ScheduleAt(name string, at time.Time, job Job) (Handle, error) {
	if job == nil {
		return nil, fmt.Errorf("job %q cannot be nil", name)
	}
	run := s.runnable(strings.TrimSpace(name), job)

	sub := s.newHandle(name)
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if !sub.begin(time.Now()) {
			return
		}
		err := run()
		if err != nil {
			s.errorHandler(err)
		}
		s.removeStoredHandle(sub.id)
		sub.finish(err, true)
	}()

	return sub, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, cancels running jobs and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.end(ScheduleStatusStopped)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runnable wraps job with the scheduler's timeout and retry policy. Panics
// become errors.
func (s *Scheduler) runnable(name string, job Job) func() error {
	h := runner.NewHandler(
		runner.WithMaxRetries(s.maxRetries),
		runner.WithRetryStrategy(s.strategy),
		runner.WithTimeout(s.timeout),
		runner.WithLogger(s.logger),
		runner.WithRetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
	)
	return func() error {
		started := time.Now()
		attempts, err := h.Run(s.ctx, func(ctx context.Context, _ int) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job %s panicked: %v", name, r)
				}
			}()
			return job(ctx)
		})
		if err != nil {
			return fmt.Errorf("job %s failed after %d attempts: %w", name, attempts, err)
		}
		if s.logLevel >= LogLevelDebug {
			s.logger.Debug("job %s finished in %s", name, time.Since(started))
		}
		return nil
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      strings.TrimSpace(name),
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts,
		rcron.WithChain(rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})),
		rcron.WithLogger(&loggerAdapter{logger: s.logger, level: s.logLevel}),
	)
	return opts
}
