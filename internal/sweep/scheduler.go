// Package sweep runs the automation rule engine on a schedule.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

const defaultInterval = 15 * time.Minute

var schedulerActor = domain.Staff{StaffID: engine.SystemActorID, Name: "scheduler", Role: "system"}

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	SweepAll(ctx context.Context, opts engine.SweepOptions) (engine.SweepResult, error)
}

type Scheduler struct {
	Engine      Sweeper
	Interval    time.Duration
	Parallelism int
	// Locker is optional. Without one every tick sweeps.
	Locker Locker
	Logger *slog.Logger
}

func (s Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Scheduler) interval() time.Duration {
	if s.Interval <= 0 {
		return defaultInterval
	}
	return s.Interval
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		if _, _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger().Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep. ran is false when another instance holds the lock.
func (s Scheduler) Tick(ctx context.Context) (res engine.SweepResult, ran bool, err error) {
	if s.Locker != nil {
		release, ok, err := s.Locker.Acquire(ctx, s.interval())
		if err != nil {
			return res, false, err
		}
		if !ok {
			s.logger().Debug("sweep skipped; lock held elsewhere")
			return res, false, nil
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger().Warn("release sweep lock", "err", rerr)
			}
		}()
	}
	res, err = s.Engine.SweepAll(ctx, engine.SweepOptions{Actor: schedulerActor, Parallelism: s.Parallelism})
	if err != nil {
		return res, true, err
	}
	s.logger().Info("sweep complete", "cases", res.Cases, "created", res.Created, "skipped", res.Skipped, "failed", len(res.Failed))
	return res, true, nil
}
