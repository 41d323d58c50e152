// Package scheduler provides the periodic triggers of GroupPulse.
//
// Jobs are registered by name with a cron expression or an @every descriptor
// and can be stopped individually.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/robfig/cron/v3"
)

var (
	// ErrDuplicateJob is returned when a job name is already registered.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned for a name that is not registered.
	ErrUnknownJob = errors.New("unknown job")
)

// DefaultJobTimeout bounds a single run of a job.
const DefaultJobTimeout = 5 * time.Minute

// Job is one run of a trigger.
type Job func(ctx context.Context) error

// Opts holds configuration for the scheduler.
type Opts struct {
	Location   *time.Location
	JobTimeout time.Duration
	Metrics    *metrics.Metrics
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.JobTimeout = d
	}
}

// WithMetrics sets the collectors job runs are reported to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

type entry struct {
	id  cron.EntryID
	job Job
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	opts   Opts
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]entry
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local, JobTimeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	// Standard 5-field parser (min, hour, dom, month, dow) plus @every/@daily descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, opts: cfg, ctx: ctx, cancel: cancel, jobs: make(map[string]entry)}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, "cron", job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	s.jobs[name] = entry{id: id, job: job}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "expr", expr)
	return nil
}

// RemoveJob stops the trigger registered under name. A run already in
// progress finishes.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	slog.Info("Scheduler.RemoveJob: job removed", "job", name)
	return true
}

// RunNow runs the job registered under name synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(name, "manual", e.job)
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next scheduled run of name, zero if unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) run(name, source string, job Job) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.JobTimeout)
	defer cancel()
	start := time.Now()
	err := job(ctx)
	if err != nil {
		s.opts.Metrics.SchedulerRun(name, "error")
		slog.Error("Scheduler.run: job failed", "job", name, "source", source, "error", err, "elapsed", time.Since(start))
		return err
	}
	s.opts.Metrics.SchedulerRun(name, "ok")
	slog.Debug("Scheduler.run: job finished", "job", name, "source", source, "elapsed", time.Since(start))
	return nil
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
