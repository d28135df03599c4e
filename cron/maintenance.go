package cron

import (
	"context"
	"fmt"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/logging"
)

// Expirer dismisses instances idle for longer than idleFor.
// session.Manager satisfies it.
type Expirer interface {
	Expire(ctx context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error)
}

// ExpirerFunc adapts a function, such as core.Engine.ExpireIdle, to Expirer.
type ExpirerFunc func(ctx context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error)

func (f ExpirerFunc) Expire(ctx context.Context, idleFor time.Duration, limit int) ([]orchestrator.Message, error) {
	return f(ctx, idleFor, limit)
}

// Pruner drops expired idempotency records.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// ExpireJob dismisses idle instances in batches of limit.
func ExpireJob(e Expirer, idleFor time.Duration, limit int, logger logging.Logger) Job {
	logger = logging.Normalize(logger)
	return func(ctx context.Context) error {
		if e == nil {
			return fmt.Errorf("expire job: no expirer configured")
		}
		msgs, err := e.Expire(ctx, idleFor, limit)
		if len(msgs) > 0 {
			logger.Info("expired %d idle instances", len(msgs))
		}
		return err
	}
}

// PruneJob drops expired idempotency records.
func PruneJob(p Pruner, logger logging.Logger) Job {
	logger = logging.Normalize(logger)
	return func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("prune job: no pruner configured")
		}
		n, err := p.Prune(ctx)
		if n > 0 {
			logger.Debug("pruned %d idempotency records", n)
		}
		return err
	}
}

// Maintenance describes the recurring jobs of a deployment.
type Maintenance struct {
	IdleFor        time.Duration
	Limit          int
	ExpireSchedule string
	PruneSchedule  string
}

// ScheduleMaintenance registers the expiry and prune jobs on s. An empty
// schedule skips that job.
func ScheduleMaintenance(s *Scheduler, m Maintenance, e Expirer, p Pruner) ([]Handle, error) {
	var handles []Handle
	if m.ExpireSchedule != "" && e != nil {
		if m.IdleFor <= 0 {
			return nil, fmt.Errorf("idle timeout must be positive to schedule expiry")
		}
		h, err := s.Schedule("expire-idle", m.ExpireSchedule, ExpireJob(e, m.IdleFor, m.Limit, s.logger))
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	if m.PruneSchedule != "" && p != nil {
		h, err := s.Schedule("prune-idempotency", m.PruneSchedule, PruneJob(p, s.logger))
		if err != nil {
			for _, prev := range handles {
				prev.Cancel()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
