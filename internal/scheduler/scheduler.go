package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"go.uber.org/zap"
)

// Runner executes one pipeline run. *weather.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, req weather.RunRequest) (weather.RunReport, error)
}

// Scheduler triggers pipeline runs on a cron schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	cron      string
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// New creates a new Scheduler. Cron expressions are evaluated in loc.
func New(cron string, loc *time.Location, timeout time.Duration, runner Runner, log *zap.SugaredLogger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(loc),
		runner:    runner,
		cron:      cron,
		timeout:   timeout,
		log:       log,
	}
}

// Start schedules the run job and starts the underlying scheduler. An empty
// cron expression disables scheduling.
func (s *Scheduler) Start() error {
	if s.cron == "" {
		s.log.Info("scheduler: no cron expression configured; nothing to schedule")
		return nil
	}

	_, err := s.scheduler.Cron(s.cron).SingletonMode().Do(s.tick)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.log.Infow("scheduler started", "cron", s.cron)
	return nil
}

func (s *Scheduler) tick() {
	s.log.Info("scheduler: running pipeline job")

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := s.runner.Run(ctx, weather.RunRequest{Trigger: "schedule"})
	switch {
	case errors.Is(err, weather.ErrRunInProgress):
		s.log.Warn("scheduler: previous run still in progress; skipping tick")
	case err != nil:
		s.log.Errorw("scheduler: pipeline run failed", "run_id", report.ID, "error", err)
	default:
		s.log.Infow("scheduler: completed pipeline job", "run_id", report.ID, "rows", report.Rows)
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
