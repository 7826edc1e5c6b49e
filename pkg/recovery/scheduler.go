package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 5m"

// Scheduler runs the sweep on a cron schedule. A sweep still running when
// the next tick fires makes that tick a no-op.
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewScheduler(sweeper *Sweeper, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger.With("module", "recovery_scheduler", "schedule", schedule),
	}, nil
}

// ValidateSchedule accepts standard five-field expressions and descriptors
// such as "@every 5m".
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	id, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) })
	if err != nil {
		s.cron = nil

		return fmt.Errorf("failed to add recovery sweep job: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting recovery scheduler", "entry_id", id, "timeout", s.sweeper.Timeout())
	s.cron.Start()

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	_, err := s.sweeper.Sweep(ctx)

	switch {
	case err == nil, errors.Is(err, ErrSweepInProgress):
	default:
		s.logger.ErrorContext(ctx, "Recovery sweep failed", "error", err)
	}
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("Stopped recovery scheduler")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
