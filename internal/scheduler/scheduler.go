// Package scheduler runs the relay's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named jobs at fixed intervals. A job that panics is
// recovered and logged; a job still running when its next tick fires is
// skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a stopped scheduler.
func New() *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	return &Scheduler{
		// Recover must run inside SkipIfStillRunning: the skip token is not
		// returned if a panic unwinds past it.
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		)),
	}
}

// Every registers fn to run every d.
func (s *Scheduler) Every(name string, d time.Duration, fn func()) error {
	if d <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, d)
	}
	if _, err := s.cron.AddFunc("@every "+d.String(), fn); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.Printf("[scheduler] job %s every %s", name, d)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Printf("[scheduler] stop: %v", ctx.Err())
	}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
