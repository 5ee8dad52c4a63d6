package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"webtraffic/internal/config"
	"webtraffic/internal/reconcile"
)

// Maintainer is the pipeline surface the background jobs drive. *traffic.Service implements it.
type Maintainer interface {
	SweepHours(ctx context.Context, hours int) error
	SweepDays(ctx context.Context) error
	SweepWeeksAndMonths(ctx context.Context) error
	Reconcile(ctx context.Context) (reconcile.Report, error)
	PruneMinutes(ctx context.Context) (int64, error)
}

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	jobs      []Job
	wg        sync.WaitGroup

	// Guards against a job overlapping its own previous run
	processingMutex sync.Mutex
	processing      map[string]bool
}

// NewScheduler creates the aggregation sweeps, the reconciliation pass and the
// minute cleanup for m, with intervals from cfg.
func NewScheduler(m Maintainer, cfg *config.Config, logger *slog.Logger) *Scheduler {
	sweeps := NewAggregationSweepJob(m, logger)
	cleanup := NewCleanupJob(m, logger, cfg)
	reconcileJob := NewReconcileJob(m, logger)

	return NewSchedulerWithJobs(logger,
		Job{Name: "hour_sweep", Interval: cfg.HourSweepInterval(), RunAtStart: true, Run: sweeps.RunHours},
		Job{Name: "day_sweep", Interval: cfg.DaySweepInterval(), RunAtStart: true, Run: sweeps.RunDays},
		Job{Name: "week_month_sweep", Interval: cfg.WeekMonthSweepInterval(), RunAtStart: true, Run: sweeps.RunWeeksAndMonths},
		Job{Name: "reconcile", Interval: cfg.ReconcileInterval(), Run: reconcileJob.Run},
		Job{Name: "minute_cleanup", Interval: time.Hour, RunAtStart: true, Run: cleanup.Run},
	)
}

// NewSchedulerWithJobs creates a scheduler for an explicit job list.
func NewSchedulerWithJobs(logger *slog.Logger, jobs ...Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		enabled:    true,
		jobs:       jobs,
		processing: make(map[string]bool),
	}
}

// executeJobSafely runs a job unless its previous run is still executing
func (s *Scheduler) executeJobSafely(job Job) {
	s.processingMutex.Lock()
	if s.processing[job.Name] {
		s.logger.Debug("Skipping job execution - previous run still active", slog.String("job", job.Name))
		s.processingMutex.Unlock()
		return
	}
	s.processing[job.Name] = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", job.Name),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.processing[job.Name] = false
		s.processingMutex.Unlock()
	}()

	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", job.Name), slog.Any("error", err))
	}
}

// Start begins all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...", slog.Int("jobs", len(s.jobs)))
	s.isRunning = true

	for _, job := range s.jobs {
		s.startJob(job)
	}
	return nil
}

func (s *Scheduler) startJob(job Job) {
	if job.Interval <= 0 {
		s.logger.Warn("Job disabled, no interval", slog.String("job", job.Name))
		return
	}
	s.logger.Info("Starting job", slog.String("job", job.Name), slog.Duration("interval", job.Interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(job.Interval)
		defer ticker.Stop()

		if job.RunAtStart {
			s.executeJobSafely(job)
		}

		for {
			select {
			case <-ticker.C:
				s.executeJobSafely(job)
			case <-s.ctx.Done():
				s.logger.Debug("Job stopped", slog.String("job", job.Name))
				return
			}
		}
	}()
}

// Stop halts all background jobs and waits for running ones.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false
	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// RunNow executes the named job once, synchronously.
func (s *Scheduler) RunNow(name string) bool {
	for _, job := range s.jobs {
		if job.Name == name {
			s.executeJobSafely(job)
			return true
		}
	}
	return false
}
