// Package scheduler runs the recurring orchestrator jobs. Every job is
// singleton: a tick is skipped while the previous run of the same job is
// still going. Job start times are staggered so the pipelines do not all
// hit the provider at once.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/meridian-labs/escrowd/internal/logging"
)

// Job is one recurring task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler wraps gocron with job naming, logging and singleton runs.
type Scheduler struct {
	inner *gocron.Scheduler
	ctx   context.Context

	// stagger spaces the first run of consecutively added jobs.
	stagger time.Duration
	added   int
}

// New creates a stopped scheduler. ctx is the base context handed to every
// job run; cancelling it makes in-flight runs wind down.
func New(ctx context.Context) *Scheduler {
	inner := gocron.NewScheduler(time.UTC)
	inner.SingletonModeAll()
	return &Scheduler{
		inner:   inner,
		ctx:     ctx,
		stagger: 2 * time.Second,
	}
}

// Add registers a job. The first run is delayed by the job's position in
// the add order times the stagger interval.
func (s *Scheduler) Add(job Job) error {
	offset := time.Duration(s.added) * s.stagger
	s.added++
	_, err := s.inner.Every(job.Interval).
		StartAt(time.Now().Add(offset)).
		Tag(job.Name).
		Do(func() { s.runJob(job) })
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) runJob(job Job) {
	ctx := logging.WithJob(s.ctx, job.Name)
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		logging.L(ctx).Error("job failed", "error", err, "duration", time.Since(started))
		return
	}
	logging.L(ctx).Debug("job finished", "duration", time.Since(started))
}

// Start begins executing jobs asynchronously.
func (s *Scheduler) Start() {
	s.inner.StartAsync()
}

// Stop halts scheduling. In-flight runs are not interrupted; cancel the
// base context for that.
func (s *Scheduler) Stop() {
	s.inner.Stop()
}

// RunNow triggers the named job out of schedule.
func (s *Scheduler) RunNow(name string) error {
	return s.inner.RunByTag(name)
}
