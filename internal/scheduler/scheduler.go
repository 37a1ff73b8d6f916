// Package scheduler runs deferred and retried submissions from the submission_jobs table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/submission"
)

var ErrJobNotCancellable = errors.New("scheduler: job already started")

type jobStore interface {
	InsertJob(context.Context, store.SubmissionJob) (store.SubmissionJob, error)
	GetJob(context.Context, string, string) (store.SubmissionJob, error)
	PendingJob(context.Context, string) (*store.SubmissionJob, error)
	ClaimDueJobs(context.Context, time.Time, time.Duration, int) ([]store.SubmissionJob, error)
	CompleteJob(context.Context, string, int) error
	RescheduleJob(context.Context, string, int, time.Time, string) error
	FailJob(context.Context, store.SubmissionJob, int, string) (bool, error)
	CancelJob(context.Context, string, string) (bool, error)
}

type runner interface {
	Run(context.Context, submission.Request) (submission.Result, error)
	Abandon(context.Context, packet.Scope, string, string) (*store.Submission, error)
}

type Options struct {
	BatchSize   int
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	// Lease is how long a processing job may run before another sweep reclaims it.
	Lease  time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

type Scheduler struct {
	store  jobStore
	runner runner
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(s jobStore, r runner, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	sched := &Scheduler{store: s, runner: r, opts: opts, logger: opts.Logger, now: opts.Now}
	if sched.logger == nil {
		sched.logger = slog.Default()
	}
	if sched.now == nil {
		sched.now = time.Now
	}
	return sched
}

// Backoff is min(ceiling, base*2^attempts), where attempts counts the runs before the failed one.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	return Backoff(s.opts.BaseBackoff, s.opts.MaxBackoff, attempts)
}

// Schedule queues a submission for runAt. A dispute has at most one pending job; an existing
// one is returned as is.
func (s *Scheduler) Schedule(ctx context.Context, scope packet.Scope, disputeID string, method store.SubmissionMethod, runAt time.Time) (store.SubmissionJob, error) {
	if pending, err := s.store.PendingJob(ctx, disputeID); err != nil {
		return store.SubmissionJob{}, err
	} else if pending != nil {
		return *pending, nil
	}
	if runAt.IsZero() {
		runAt = s.now()
	}
	job, err := s.store.InsertJob(ctx, store.SubmissionJob{
		OrgID:       scope.OrgID,
		DisputeID:   disputeID,
		Method:      method,
		NextRunAt:   runAt.UTC(),
		MaxAttempts: s.opts.MaxAttempts,
	})
	if err != nil {
		return store.SubmissionJob{}, err
	}
	s.logger.Info("submission scheduled", "job_id", job.ID, "dispute_id", disputeID, "run_at", job.NextRunAt)
	return job, nil
}

// EnqueueRetry queues a retry after a direct attempt failed transiently. That attempt counts
// as the first.
func (s *Scheduler) EnqueueRetry(ctx context.Context, scope packet.Scope, disputeID string, method store.SubmissionMethod, cause error) (store.SubmissionJob, error) {
	if pending, err := s.store.PendingJob(ctx, disputeID); err != nil {
		return store.SubmissionJob{}, err
	} else if pending != nil {
		return *pending, nil
	}
	job, err := s.store.InsertJob(ctx, store.SubmissionJob{
		OrgID:       scope.OrgID,
		DisputeID:   disputeID,
		Method:      method,
		NextRunAt:   s.now().Add(s.backoff(0)).UTC(),
		Attempts:    1,
		MaxAttempts: s.opts.MaxAttempts,
		LastError:   errorText(cause),
	})
	if err != nil {
		return store.SubmissionJob{}, err
	}
	s.logger.Info("submission retry queued", "job_id", job.ID, "dispute_id", disputeID, "run_at", job.NextRunAt)
	return job, nil
}

// Cancel stops a job that has not started. store.ErrNotFound is returned for unknown jobs.
func (s *Scheduler) Cancel(ctx context.Context, scope packet.Scope, jobID string) error {
	cancelled, err := s.store.CancelJob(ctx, scope.OrgID, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		s.logger.Info("job cancelled", "job_id", jobID)
		return nil
	}
	if _, err := s.store.GetJob(ctx, scope.OrgID, jobID); err != nil {
		return err
	}
	return ErrJobNotCancellable
}

type SweepStats struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
}

// Sweep claims due jobs and runs them with bounded concurrency.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	jobs, err := s.store.ClaimDueJobs(ctx, s.now().UTC(), s.opts.Lease, s.opts.BatchSize)
	if err != nil {
		return SweepStats{}, err
	}
	var completed, retried, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			outcome, err := s.runJob(gctx, job)
			if err != nil {
				s.logger.Error("job bookkeeping failed", "job_id", job.ID, "error", err)
				return nil
			}
			switch outcome {
			case outcomeCompleted:
				completed.Add(1)
			case outcomeRetried:
				retried.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepStats{
		Claimed:   len(jobs),
		Completed: int(completed.Load()),
		Retried:   int(retried.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
)

func (s *Scheduler) runJob(ctx context.Context, job store.SubmissionJob) (outcome, error) {
	scope := packet.Scope{OrgID: job.OrgID}
	logger := s.logger.With("job_id", job.ID, "dispute_id", job.DisputeID, "attempt", job.Attempts+1)
	attempts := job.Attempts + 1

	res, err := s.runner.Run(ctx, submission.Request{Scope: scope, DisputeID: job.DisputeID, Method: job.Method, Resume: true})
	if err == nil {
		if res.Rejected() {
			logger.Warn("submission rejected by provider", "code", res.Submission.ErrorCode)
			return outcomeFailed, s.fail(ctx, job, attempts, res.Submission.ErrorCode, false)
		}
		logger.Info("job completed", "submission_id", res.Submission.ID, "status", res.Submission.Status)
		return outcomeCompleted, s.store.CompleteJob(ctx, job.ID, attempts)
	}

	var retryable *submission.RetryableError
	if !errors.As(err, &retryable) {
		logger.Warn("job failed terminally", "error", err)
		return outcomeFailed, s.fail(ctx, job, attempts, err.Error(), true)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	if attempts >= maxAttempts {
		logger.Warn("job exhausted retries", "error", err)
		return outcomeFailed, s.fail(ctx, job, attempts, fmt.Sprintf("max attempts reached: %v", err), true)
	}
	next := s.now().Add(s.backoff(job.Attempts)).UTC()
	logger.Info("job rescheduled", "next_run_at", next, "error", err)
	return outcomeRetried, s.store.RescheduleJob(ctx, job.ID, attempts, next, err.Error())
}

func (s *Scheduler) fail(ctx context.Context, job store.SubmissionJob, attempts int, reason string, abandon bool) error {
	if _, err := s.store.FailJob(ctx, job, attempts, reason); err != nil {
		return err
	}
	if !abandon {
		return nil
	}
	_, err := s.runner.Abandon(ctx, packet.Scope{OrgID: job.OrgID}, job.DisputeID, reason)
	return err
}

// Run sweeps on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", "error", err)
		} else if stats.Claimed > 0 {
			s.logger.Info("sweep finished", "claimed", stats.Claimed, "completed", stats.Completed,
				"retried", stats.Retried, "failed", stats.Failed)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
