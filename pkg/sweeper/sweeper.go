// Package sweeper runs the step timeout sweep on a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/approvals/pkg/services"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 1m"

// Runner performs one timeout sweep.
type Runner interface {
	TimeoutSweep(ctx context.Context, now time.Time) (services.SweepResult, error)
}

type Sweeper struct {
	runner   Runner
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mutex  sync.Mutex
	cron   *cron.Cron
	entry  cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a sweeper for a standard cron expression or an @every descriptor.
func New(runner Runner, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", schedule, err)
	}

	return &Sweeper{
		runner:   runner,
		schedule: schedule,
		logger:   logger.With("module", "sweeper"),
		now:      time.Now,
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	s.logger.Info("Starting sweeper", "schedule", s.schedule)
	s.ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	entry, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		s.cron = nil

		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.entry = entry
	s.cron.Start()

	s.logger.Info("Sweeper started", "entry_id", entry)

	return nil
}

// RunOnce sweeps immediately, outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) (services.SweepResult, error) {
	result, err := s.runner.TimeoutSweep(ctx, s.now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Timeout sweep failed", "error", err,
			"timed_out", result.TimedOut)

		return result, err
	}

	s.logger.DebugContext(ctx, "Timeout sweep finished",
		"timed_out", result.TimedOut,
		"escalated", result.Escalated,
		"expired", result.Expired)

	return result, nil
}

func (s *Sweeper) run() {
	_, _ = s.RunOnce(s.ctx)
}

// Stop removes the job and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron == nil {
		return nil
	}

	s.logger.Info("Stopping sweeper")

	s.cron.Remove(s.entry)
	done := s.cron.Stop().Done()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	s.cron = nil

	return err
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
