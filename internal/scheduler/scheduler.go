package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// IdleSweeper evicts idle conversation contexts. *medctx.Store implements it.
type IdleSweeper interface {
	SweepIdle(ctx context.Context) (int, error)
}

// Scheduler runs the periodic context sweep.
type Scheduler struct {
	cron    *cron.Cron
	sweeper IdleSweeper
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a scheduler that calls sweeper.SweepIdle on schedule, a standard
// cron expression or a descriptor such as "@every 10m".
func New(sweeper IdleSweeper, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		timeout: time.Minute,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs a sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.sweeper.SweepIdle(ctx)
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("context sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("evicted idle contexts", zap.Int("count", n))
	}
}
