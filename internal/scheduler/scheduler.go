// Package scheduler drives the periodic background refresh so the served
// bundle never ages past the refresh interval even without traffic.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Refresher is the controller surface the scheduler drives.
type Refresher interface {
	Refresh()
}

// Scheduler forces a weather refetch on a fixed interval.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher Refresher
	interval  time.Duration
	logger    *zap.Logger
}

// New creates a Scheduler refreshing every interval.
func New(refresher Refresher, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		refresher: refresher,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the periodic refresh job and starts the underlying
// scheduler. Disabled when the interval is zero or negative.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("periodic refresh disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).Do(func() {
		s.logger.Debug("periodic weather refresh")
		s.refresher.Refresh()
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("periodic refresh scheduled", zap.Duration("interval", s.interval))
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
