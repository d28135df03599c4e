package cron

import (
	"fmt"
	"time"

	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives every failed or panicking run.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithJobTimeout bounds each run, retries included.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRetries repeats a failed run up to n times using strategy.
func WithRetries(n int, strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// loggerAdapter adapts logging.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger logging.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s", formatKV(msg, keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s: %v", formatKV(msg, keysAndValues), err)
	}
}

// robfig/cron logs key/value pairs rather than printf args.
func formatKV(msg string, keysAndValues []any) string {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		msg += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return msg
}

// errorHandlerAdapter routes recovered panics to the error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s", formatKV(msg, keysAndValues)))
}
