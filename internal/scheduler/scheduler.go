// Package scheduler runs the periodic pipeline jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/metrics"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (any, error)
}

// Locker grants exclusive runs across instances. A nil release func means
// another runner holds the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (func(context.Context) error, error)
}

// RunResult describes one job execution.
type RunResult struct {
	Job        string    `json:"job"`
	Skipped    bool      `json:"skipped"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Scheduler owns the job table.
type Scheduler struct {
	jobs   map[string]Job
	locker Locker
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a scheduler. Jobs with a non-positive interval only run on
// demand. A nil locker runs every job without coordination.
func New(jobs []Job, locker Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		table[j.Name] = j
	}
	return &Scheduler{jobs: table, locker: locker, logger: logger, tracer: otel.Tracer("orderdispatch.scheduler")}
}

// Jobs lists the registered job names in order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every interval job until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range s.Jobs() {
		job := s.jobs[name]
		if job.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		res := s.execute(ctx, job)
		if res.Error != "" && ctx.Err() == nil {
			s.logger.Error("scheduler: job failed", zap.String("job", job.Name), zap.String("error", res.Error))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce triggers a job immediately. It returns ErrLocked when another
// runner holds the job.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (RunResult, error) {
	job, ok := s.jobs[name]
	if !ok {
		return RunResult{}, fmt.Errorf("scheduler: job %q: %w", name, apperrors.ErrNotFound)
	}
	res := s.execute(ctx, job)
	if res.Skipped {
		return res, fmt.Errorf("scheduler: job %q: %w", name, apperrors.ErrLocked)
	}
	if res.Error != "" {
		return res, fmt.Errorf("scheduler: job %q: %s", name, res.Error)
	}
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) RunResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.job", trace.WithAttributes(attribute.String("job", job.Name)))
	defer span.End()

	start := time.Now()
	res := RunResult{Job: job.Name, StartedAt: start.UTC()}

	if s.locker != nil {
		unlock, err := s.locker.TryLock(ctx, job.Name)
		if err != nil {
			span.RecordError(err)
			res.Error = err.Error()
			metrics.JobRuns.WithLabelValues(job.Name, "lock_error").Inc()
			return res
		}
		if unlock == nil {
			res.Skipped = true
			span.SetAttributes(attribute.Bool("job.skipped", true))
			metrics.JobRuns.WithLabelValues(job.Name, "skipped").Inc()
			s.logger.Debug("scheduler: job held elsewhere", zap.String("job", job.Name))
			return res
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("scheduler: release lock", zap.String("job", job.Name), zap.Error(err))
			}
		}()
	}

	out, err := job.Run(ctx)
	elapsed := time.Since(start)
	res.Output = out
	res.DurationMs = elapsed.Milliseconds()
	metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		res.Error = err.Error()
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		return res
	}
	metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug("scheduler: job finished", zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Any("output", out))
	return res
}
