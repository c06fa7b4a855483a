// Package sweeper runs the periodic maintenance jobs of the delegation
// service on cron schedules: expiring stale delegation requests and
// collecting revocation entries that can no longer matter.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tendant/simple-delegation/pkg/metrics"
)

// Task does one pass of a job and reports how many items it touched
type Task func(ctx context.Context) (int, error)

type job struct {
	name     string
	schedule string
	task     Task
}

// Sweeper schedules maintenance tasks
type Sweeper struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]job
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithMetrics records run counts and durations
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithTimeout bounds each run. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a Sweeper. Overlapping runs of the same job are skipped.
func New(opts ...Option) *Sweeper {
	logger := cronLogger{}
	s := &Sweeper{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		timeout: 30 * time.Second,
		jobs:    make(map[string]job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add schedules task under name. schedule is a standard five field cron
// spec or a descriptor such as "@every 30s".
func (s *Sweeper) Add(name, schedule string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.Run(context.Background(), name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	s.jobs[name] = job{name: name, schedule: schedule, task: task}
	return nil
}

// Run executes the named job once, outside its schedule
func (s *Sweeper) Run(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	n, err := j.task(ctx)
	s.metrics.SweepRun(name, started, err)
	if err != nil {
		slog.Error("Sweep job failed", "job", name, "error", err)
		return n, err
	}
	if n > 0 {
		slog.Info("Sweep job completed", "job", name, "items", n, "duration", time.Since(started))
	} else {
		slog.Debug("Sweep job completed", "job", name, "duration", time.Since(started))
	}
	return n, nil
}

// Jobs returns the scheduled job names and their schedules
func (s *Sweeper) Jobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.schedule
	}
	return out
}

// Start begins running jobs in the background
func (s *Sweeper) Start() {
	s.cron.Start()
	for name, schedule := range s.Jobs() {
		slog.Info("Sweep job scheduled", "job", name, "schedule", schedule)
	}
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Sweeper stopped before running jobs finished")
	}
}

// cronLogger sends cron's internal logging to slog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
