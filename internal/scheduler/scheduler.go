// Package scheduler runs the engine's periodic jobs on a cron with seconds
// precision. A run that is still going when its next tick fires is skipped,
// and a panicking job is recovered and retried on its next tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a periodic task.
type Job struct {
	Name    string
	Spec    string        // cron spec with a seconds field, or a descriptor like "@every 5s"
	Timeout time.Duration // bounds each run; 0 means no bound
	Run     func(ctx context.Context) error
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	jobs map[string]cron.EntryID
}

// New creates a scheduler. Every run derives its context from ctx.
func New(ctx context.Context) *Scheduler {
	logger := NewSlogLogger(slog.Default())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:  ctx,
		jobs: make(map[string]cron.EntryID),
	}
}

// Register adds a job.
func (s *Scheduler) Register(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("register %s: nil run func", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, s.wrap(job))
	if err != nil {
		return fmt.Errorf("register %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = id
	slog.Info("job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// wrap bounds a run with the job timeout and logs its outcome. Failures are
// not retried here; the next tick is the retry.
func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx := s.ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			slog.Error("scheduled job failed", "job", job.Name, "duration", time.Since(start), "err", err)
			return
		}
		slog.Debug("scheduled job done", "job", job.Name, "duration", time.Since(start))
	}
}

// Next reports when a registered job fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// SlogLogger adapts slog to cron.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l.
func NewSlogLogger(l *slog.Logger) SlogLogger {
	return SlogLogger{l: l.With("component", "cron")}
}

// Info logs cron's routine messages at debug level; they fire every tick.
func (s SlogLogger) Info(msg string, keysAndValues ...interface{}) {
	s.l.Debug(msg, keysAndValues...)
}

func (s SlogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	s.l.Error(msg, append(keysAndValues, "err", err)...)
}
