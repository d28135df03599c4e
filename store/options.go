package store

import (
	"time"

	"github.com/google/uuid"
)

// Option configures a store backend.
type Option func(*options)

type options struct {
	now       func() time.Time
	newID     func() string
	retention int
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithMessageRetention sets how many recent messages are kept per instance.
// Values <= 0 keep the default.
func WithMessageRetention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retention = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		retention: DefaultMessageRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
