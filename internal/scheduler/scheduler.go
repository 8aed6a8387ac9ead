// Package scheduler runs the allocator's periodic maintenance jobs on cron
// schedules: hot-cache eviction and WAL checkpointing.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/pkg/logger"
)

// Job is one maintenance task. Run is invoked on the cron goroutine and must
// tolerate overlapping ticks if it outlives its schedule interval.
type Job interface {
	Run() error
	Name() string
}

// Scheduler owns the cron runner for maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates an empty scheduler; register jobs before Start.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  logger.Component(log, "scheduler"),
	}
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule ("@hourly", "@every 10m").
func (s *Scheduler) AddJob(schedule string, job Job) error {
	jobLog := s.log.With().Str("job", job.Name()).Logger()
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			jobLog.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Maintenance job failed")
			return
		}
		jobLog.Debug().Dur("elapsed", time.Since(start)).Msg("Maintenance job finished")
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s on schedule %q: %w", job.Name(), schedule, err)
	}

	jobLog.Info().Str("schedule", schedule).Msg("Maintenance job registered")
	return nil
}
