package jobs

import (
	"context"
	"log/slog"
	"time"
)

// hourSweepWindow is how many hours back the hour sweep recomputes.
const hourSweepWindow = 2

// AggregationSweepJob recomputes recent buckets in case a debounced cascade was missed or failed.
type AggregationSweepJob struct {
	m      Maintainer
	logger *slog.Logger
}

func NewAggregationSweepJob(m Maintainer, logger *slog.Logger) *AggregationSweepJob {
	return &AggregationSweepJob{m: m, logger: logger}
}

func (j *AggregationSweepJob) RunHours(ctx context.Context) error {
	start := time.Now()
	if err := j.m.SweepHours(ctx, hourSweepWindow); err != nil {
		return err
	}
	j.logger.Debug("Hour sweep finished", slog.Int("hours", hourSweepWindow), slog.Duration("took", time.Since(start)))
	return nil
}

func (j *AggregationSweepJob) RunDays(ctx context.Context) error {
	if err := j.m.SweepDays(ctx); err != nil {
		return err
	}
	j.logger.Debug("Day sweep finished")
	return nil
}

func (j *AggregationSweepJob) RunWeeksAndMonths(ctx context.Context) error {
	if err := j.m.SweepWeeksAndMonths(ctx); err != nil {
		return err
	}
	j.logger.Info("Week and month sweep finished")
	return nil
}

// ReconcileJob periodically raises fast counters to their durable floor.
type ReconcileJob struct {
	m      Maintainer
	logger *slog.Logger
}

func NewReconcileJob(m Maintainer, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{m: m, logger: logger}
}

// Run logs a partial failure and keeps serving current counters.
func (j *ReconcileJob) Run(ctx context.Context) error {
	report, err := j.m.Reconcile(ctx)
	if err != nil {
		j.logger.Warn("Periodic reconciliation incomplete",
			slog.Int("failed", report.Failed),
			slog.Any("error", err))
	}
	return nil
}
