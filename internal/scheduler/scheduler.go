// Package scheduler polls for due scheduled jobs and drives them through
// the dispatcher, one poll cycle at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/metrics"
)

// Store is the persistence surface the scheduler claims and settles jobs
// through. ClaimDueJobs must be atomic per job: a second scheduler process
// must never receive the same RUNNING job.
type Store interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledJob, error)
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
}

// Dispatcher executes one claimed job to completion.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, job *db.ScheduledJob) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Scheduler is the single long-lived poll loop feeding due jobs to the
// dispatcher. One job's failure never aborts the rest of the batch, and a
// cycle's datastore error only skips that cycle.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

func New(store Store, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}

	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the poll loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.safePoll(ctx)
		}
	}
}

// Poll runs one claim-and-dispatch cycle and reports how many jobs were
// claimed. Exposed so tests and admin tooling can drive a cycle directly.
func (s *Scheduler) Poll(ctx context.Context) int {
	jobs, err := s.store.ClaimDueJobs(ctx, time.Now().UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due jobs", zap.Error(err))
		return 0
	}

	for _, job := range jobs {
		s.process(ctx, job)
	}

	return len(jobs)
}

func (s *Scheduler) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler cycle panic recovered", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if n := s.Poll(ctx); n > 0 {
		s.logger.Debug("scheduler cycle completed",
			zap.Int("jobs", n),
			zap.Duration("duration", time.Since(start)),
		)
	}
	metrics.RecordSchedulerCycle(time.Since(start))
}

func (s *Scheduler) process(ctx context.Context, job *db.ScheduledJob) {
	if err := s.dispatcher.DispatchScheduled(ctx, job); err != nil {
		s.logger.Error("scheduled job failed",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.Int("attempts", job.Attempts+1),
		)

		if failErr := s.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			s.logger.Error("failed to mark job FAILED",
				zap.Error(failErr),
				zap.String("job_id", job.ID.String()),
			)
		}
		metrics.RecordScheduledJob(db.JobStatusFailed)
		return
	}

	metrics.RecordScheduledJob(db.JobStatusCompleted)
}
