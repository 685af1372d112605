// Package schedule runs named pipelines on a recurring schedule.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pixelflow/internal/domain"
)

// Runner executes a named pipeline. Satisfied by the composition root,
// which couples the library, the engine and the run store.
type Runner interface {
	RunPipeline(ctx context.Context, name string) error
}

// Job is one scheduled pipeline execution.
type Job struct {
	// Name identifies the job; defaults to the pipeline name.
	Name     string `yaml:"name"`
	Pipeline string `yaml:"pipeline"`
	// Schedule is a five-field cron expression ("*/5 * * * *"), a cron
	// descriptor ("@hourly") or a Go duration ("30m").
	Schedule string `yaml:"schedule"`
}

// Config holds the scheduler settings.
type Config struct {
	Jobs []Job `yaml:"jobs"`
	// JobTimeout bounds a single fired execution.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// Scheduler fires pipeline executions from cron entries.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	bus     domain.EventBus
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler with no jobs.
func New(cfg Config, runner Runner, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		bus:     bus,
		logger:  logger,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
	}
}

// AddAll registers every configured job. Invalid jobs are reported but
// do not block the rest.
func (s *Scheduler) AddAll(jobs []Job) error {
	var firstErr error
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			s.logger.Warn("skip invalid scheduled job", "job", job.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Add registers one job.
func (s *Scheduler) Add(job Job) error {
	if job.Pipeline == "" {
		return fmt.Errorf("scheduler: job %q has no pipeline", job.Name)
	}
	if job.Name == "" {
		job.Name = job.Pipeline
	}

	sched, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", job.Name)
	}

	name, pipeline := job.Name, job.Pipeline
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(name, pipeline)
	}))
	s.logger.Info("job scheduled", "job", name, "pipeline", pipeline, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	return nil
}

// NextRun returns the next fire time for a job, or nil if unknown.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing jobs. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.ctx = nil
}

func (s *Scheduler) fire(name, pipeline string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{"job": name, "pipeline": pipeline})
		s.bus.Publish(jobCtx, domain.Event{
			Type:      domain.EventScheduleFired,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}

	start := time.Now()
	if err := s.runner.RunPipeline(jobCtx, pipeline); err != nil {
		s.logger.Warn("scheduled pipeline failed",
			"job", name, "pipeline", pipeline, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled pipeline completed",
		"job", name, "pipeline", pipeline, "duration", time.Since(start))
}

// parseSchedule accepts a cron expression or descriptor first, then a Go
// duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay{delay: dur}, nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it supports
// sub-second durations, which the tests rely on.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
