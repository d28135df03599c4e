package core

import (
	"time"

	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxConflictRetries bounds how often an operation reloads after
	// losing a commit race before it gives up with FLOW_INTERNAL.
	DefaultMaxConflictRetries = 5
	// DefaultReplayThreshold is the largest backlog sync replays message by
	// message. Larger gaps get a snapshot.
	DefaultReplayThreshold = 50
	// DefaultMaxChainDepth bounds handler follow-up events in one request.
	DefaultMaxChainDepth = 8
	// ReasonExpired is the dismiss reason used by idle expiry.
	ReasonExpired = "expired"
)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithHydrators(reg *Registry[Hydrator]) Option {
	return func(e *Engine) {
		if reg != nil {
			e.hydrators = reg
		}
	}
}

func WithHandlers(reg *Registry[Handler]) Option {
	return func(e *Engine) {
		if reg != nil {
			e.handlers = reg
		}
	}
}

func WithMigrations(reg *Registry[Migration]) Option {
	return func(e *Engine) {
		if reg != nil {
			e.migrations = reg
		}
	}
}

// WithIntentResolver enables CreateFromIntent. Matches below minConfidence
// are treated as no match.
func WithIntentResolver(resolver IntentResolver, minConfidence float64) Option {
	return func(e *Engine) {
		e.intents = resolver
		e.minConfidence = minConfidence
	}
}

// WithMaxConflictRetries sets how many reloads follow a version conflict.
func WithMaxConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxConflictRetries = n
		}
	}
}

// WithRetryStrategy sets the backoff between conflict retries.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.retryStrategy = strategy
		}
	}
}

// WithReplayThreshold sets the largest gap sync replays message by message.
func WithReplayThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.replayThreshold = int64(n)
		}
	}
}

func WithMaxChainDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChainDepth = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithOperationKeys overrides how operation keys are generated when a
// request does not carry one.
func WithOperationKeys(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newOperationKey = fn
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

func defaultOperationKey() string {
	return uuid.NewString()
}
