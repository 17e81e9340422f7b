// Package scheduler fires backup runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/imedwei/db-backup-agent/internal/health"
	"github.com/imedwei/db-backup-agent/internal/metrics"
)

// Accepts standard 5-field expressions, an optional leading seconds field and
// descriptors such as @daily or @every 1h.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// Trigger says why a job was started.
type Trigger string

// Triggers.
const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
)

// Job is the work fired by the scheduler. It must return when ctx is done.
type Job func(ctx context.Context, trigger Trigger)

// Config holds scheduler configuration.
type Config struct {
	Schedule   string
	RunOnStart bool
}

// Scheduler runs at most one Job at a time. Triggers that arrive while a job
// is running are dropped.
type Scheduler struct {
	expr       string
	schedule   cron.Schedule
	runOnStart bool
	job        Job
	logger     *slog.Logger

	// busy holds a token while a job runs.
	busy chan struct{}
	now  func() time.Time
}

// New creates a scheduler for cfg.Schedule.
func New(cfg Config, job Job, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	busy := make(chan struct{}, 1)
	busy <- struct{}{}

	return &Scheduler{
		expr:       strings.TrimSpace(cfg.Schedule),
		schedule:   schedule,
		runOnStart: cfg.RunOnStart,
		job:        job,
		logger:     logger.With("component", "scheduler"),
		busy:       busy,
		now:        time.Now,
	}, nil
}

// Next returns the next scheduled fire time after now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now())
}

// Run starts the cron loop and blocks until ctx is done, then waits for an
// in-flight job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	chain := cron.NewChain(cron.Recover(cl))

	c := cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.fire(ctx, TriggerSchedule)
	}))
	c.Start()

	s.logger.Info("Scheduler started", "schedule", s.expr, "next_run", s.Next())

	var wg sync.WaitGroup
	if s.runOnStart {
		startup := chain.Then(cron.FuncJob(func() {
			s.fire(ctx, TriggerStartup)
		}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			startup.Run()
		}()
	}

	<-ctx.Done()
	s.logger.Info("Scheduler stopping, waiting for running backup")

	stopped := c.Stop()
	<-stopped.Done()
	wg.Wait()

	s.logger.Info("Scheduler stopped")
	return nil
}

// fire runs the job unless another one holds the token.
func (s *Scheduler) fire(ctx context.Context, trigger Trigger) {
	if ctx.Err() != nil {
		return
	}

	select {
	case token := <-s.busy:
		defer func() { s.busy <- token }()
	default:
		s.logger.Warn("Previous backup still running, skipping trigger", "trigger", trigger)
		metrics.SkippedRuns.Inc()
		return
	}

	s.logger.Info("Backup triggered", "trigger", trigger)
	s.job(ctx, trigger)
	s.logger.Info("Next backup scheduled", "next_run", s.Next())
}

// HealthCheck reports the schedule and whether a job is running.
func (s *Scheduler) HealthCheck(ctx context.Context) health.Check {
	return health.Check{
		Status:    health.StatusHealthy,
		Timestamp: s.now(),
		Details: map[string]interface{}{
			"schedule": s.expr,
			"next_run": s.Next(),
			"running":  len(s.busy) == 0,
		},
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
