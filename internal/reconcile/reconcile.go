// Package reconcile repairs fast counters from durable storage after restarts,
// cache loss or manual data edits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"webtraffic/internal/counter"
	"webtraffic/internal/metrics"
	"webtraffic/internal/pkg/async"
	"webtraffic/internal/timeframe"
)

// Mode selects how a durable value is applied to a fast counter.
type Mode string

const (
	// ModeInitialize raises counters to the durable floor and never lowers them.
	ModeInitialize Mode = "initialize"
	// ModeResync overwrites counters with the durable value.
	ModeResync Mode = "resync"
)

// Durable reads the authoritative totals. *buckets.Store implements it.
type Durable interface {
	DurableDayTotal(ctx context.Context, day time.Time) (int64, error)
	WeekBucketCount(ctx context.Context, week timeframe.ISOWeek) (int64, error)
}

// Report lists the fast counter values after a pass, keyed by date, plus the current week.
type Report struct {
	Mode   Mode
	Days   map[string]int64
	Week   int64
	Failed int
}

// Reconciler applies durable totals of the trailing window to the fast counter store.
type Reconciler struct {
	durable  Durable
	counters counter.Store
	logger   *slog.Logger
	loc      *time.Location
	window   int
	pool     *async.Pool[int64]
}

// New creates a Reconciler covering the last windowDays calendar days.
func New(durable Durable, counters counter.Store, logger *slog.Logger, loc *time.Location, windowDays int) *Reconciler {
	if windowDays < 1 {
		windowDays = 7
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		durable:  durable,
		counters: counters,
		logger:   logger,
		loc:      loc,
		window:   windowDays,
		pool:     async.NewPool[int64](4),
	}
}

// Initialize raises every counter of the window to its durable total.
func (r *Reconciler) Initialize(ctx context.Context, now time.Time) (Report, error) {
	return r.run(ctx, now, ModeInitialize)
}

// Resync overwrites every counter of the window with its durable total.
func (r *Reconciler) Resync(ctx context.Context, now time.Time) (Report, error) {
	return r.run(ctx, now, ModeResync)
}

func (r *Reconciler) apply(ctx context.Context, mode Mode, key counter.Key, durable int64) (int64, error) {
	if mode == ModeResync {
		if err := r.counters.SyncFromDurable(ctx, key, durable); err != nil {
			return 0, err
		}
		return durable, nil
	}
	return r.counters.InitializeFromDurable(ctx, key, durable)
}

const weekTask = "week"

func (r *Reconciler) run(ctx context.Context, now time.Time, mode Mode) (Report, error) {
	start := time.Now()
	days := timeframe.LastNDays(now, r.window, r.loc)

	tasks := make([]async.Task[int64], 0, len(days)+1)
	for _, day := range days {
		tasks = append(tasks, async.Task[int64]{
			Name: timeframe.DateKey(day, r.loc),
			Execute: func(ctx context.Context) (int64, error) {
				durable, err := r.durable.DurableDayTotal(ctx, day)
				if err != nil {
					return 0, err
				}
				return r.apply(ctx, mode, counter.DayKey(day, r.loc), durable)
			},
		})
	}
	tasks = append(tasks, async.Task[int64]{
		Name: weekTask,
		Execute: func(ctx context.Context) (int64, error) {
			durable, err := r.durableWeek(ctx, now)
			if err != nil {
				return 0, err
			}
			return r.apply(ctx, mode, counter.WeekKey(now, r.loc), durable)
		},
	})

	results := r.pool.Execute(ctx, tasks)

	report := Report{Mode: mode, Days: make(map[string]int64, len(days))}
	var errs []error
	for _, task := range tasks {
		res, ok := results[task.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, ctx.Err()))
			continue
		}
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, res.Err))
			continue
		}
		if task.Name == weekTask {
			report.Week = res.Data
		} else {
			report.Days[task.Name] = res.Data
		}
	}
	report.Failed = len(errs)

	result := "ok"
	if len(errs) > 0 {
		result = "error"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(string(mode), result).Inc()

	attrs := []any{
		slog.String("mode", string(mode)),
		slog.Any("days", report.Days),
		slog.Int64("week", report.Week),
		slog.Int("failed", report.Failed),
		slog.Duration("took", time.Since(start)),
	}
	if len(errs) > 0 {
		r.logger.Warn("Fast counters partially reconciled", append(attrs, slog.Any("error", errors.Join(errs...)))...)
	} else {
		r.logger.Info("Fast counters reconciled", attrs...)
	}
	return report, errors.Join(errs...)
}

// durableWeek is the larger of the stored week bucket and the sum of the
// durable totals of the week's days up to now.
func (r *Reconciler) durableWeek(ctx context.Context, now time.Time) (int64, error) {
	week := timeframe.WeekOf(now, r.loc)
	stored, err := r.durable.WeekBucketCount(ctx, week)
	if err != nil {
		return 0, err
	}

	today := timeframe.Truncate(now, timeframe.Day, r.loc)
	var sum int64
	for day := week.Start(r.loc); !day.After(today); day = day.AddDate(0, 0, 1) {
		n, err := r.durable.DurableDayTotal(ctx, day)
		if err != nil {
			return 0, err
		}
		sum += n
	}
	return max(stored, sum), nil
}
