// Package scheduler runs the pipeline stages as periodic jobs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
)

// Notifier is told about the first failure of a streak and the recovery
// that ends it.
type Notifier interface {
	SendError(job string, err error) error
	SendRecovery(job string, failures int) error
}

// Job is one periodic stage.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs     []Job
	notifier Notifier

	mu       sync.Mutex
	failures map[string]int
}

// New builds a scheduler. notifier may be nil.
func New(notifier Notifier, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		notifier: notifier,
		failures: make(map[string]int),
	}
}

// Start runs every job immediately and then on its own ticker until ctx is
// cancelled. It blocks until all job loops have exited.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger.Info("Starting job %s (interval: %v)", job.Name, job.Interval)
	s.runJob(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Job %s stopped", job.Name)
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

// RunOnce runs every job once, in order, and returns the first error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var first error
	for _, job := range s.jobs {
		if err := s.runJob(ctx, job); err != nil && first == nil {
			first = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return first
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	start := time.Now()
	logger.Debug("Running job %s", job.Name)
	err := job.Run(ctx)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// shutdown, not a failure
		return err
	}
	s.handleResult(job.Name, err)
	if err == nil {
		metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
		logger.Debug("Job %s completed in %v", job.Name, time.Since(start))
	} else {
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
	}
	return err
}

// handleResult tracks consecutive failures per job and notifies on the first
// failure of a streak and on recovery.
func (s *Scheduler) handleResult(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failures[name]++
		logger.Error("Job %s failed: %v", name, err)
		if s.failures[name] == 1 && s.notifier != nil {
			if sendErr := s.notifier.SendError(name, err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if n := s.failures[name]; n > 0 && s.notifier != nil {
		if sendErr := s.notifier.SendRecovery(name, n); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	s.failures[name] = 0
}

// Failures returns the current consecutive failure count of a job.
func (s *Scheduler) Failures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[name]
}
