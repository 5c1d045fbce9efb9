// Package settlement runs background jobs that settle ended games.
package settlement

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a unit of background work run on a cron schedule.
type Job interface {
	Run() error
	Name() string
}

// Scheduler runs registered jobs until it is stopped.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// NewScheduler creates a scheduler. A run that is still going when its next
// tick fires makes that tick a no-op.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:  logger.With("component", "scheduler"),
	}
}

// Start begins firing registered jobs. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// AddJob registers a job on a cron schedule such as "@every 1m" or "*/5 * * * *".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug("running job", "job", job.Name())
		if err := job.Run(); err != nil {
			s.log.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.log.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}
