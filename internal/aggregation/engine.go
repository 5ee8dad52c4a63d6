// Package aggregation rolls durable minute buckets up into hour, day, week and
// month buckets. Every step recomputes the parent from its children and
// overwrites it, so steps may be repeated or run concurrently from different
// triggers without double counting.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"webtraffic/internal/buckets"
	"webtraffic/internal/metrics"
	"webtraffic/internal/timeframe"
)

// Store is the durable side of the cascade. *buckets.Store implements it.
type Store interface {
	AggregateHour(ctx context.Context, hourStart time.Time) (buckets.AggregateResult, error)
	AggregateDay(ctx context.Context, day time.Time) (buckets.AggregateResult, error)
	AggregateWeek(ctx context.Context, week timeframe.ISOWeek) (buckets.AggregateResult, error)
	AggregateMonth(ctx context.Context, month timeframe.YearMonth) (buckets.AggregateResult, error)
}

// Engine batches flush notifications and cascades them upward after a short
// debounce. Periodic sweeps cover any trigger that was missed or failed.
type Engine struct {
	store    Store
	logger   *slog.Logger
	loc      *time.Location
	debounce time.Duration

	mu     sync.Mutex
	dirty  map[time.Time]struct{}
	timer  *time.Timer
	closed bool

	// cascadeMu keeps debounced cascades from overlapping each other.
	cascadeMu sync.Mutex

	// OnDayAggregated, when set, is called with the start of every day bucket rewritten by a cascade or sweep.
	OnDayAggregated func(day time.Time)
}

// NewEngine creates an Engine computing calendar boundaries in loc.
func NewEngine(store Store, logger *slog.Logger, loc *time.Location, debounce time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:    store,
		logger:   logger,
		loc:      loc,
		debounce: debounce,
		dirty:    make(map[time.Time]struct{}),
	}
}

// MarkDirty records that minute buckets containing the given instants changed.
// The cascade runs one debounce delay after the first call; later calls within
// that window join the same run.
func (e *Engine) MarkDirty(instants ...time.Time) {
	if len(instants) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ts := range instants {
		e.dirty[timeframe.Truncate(ts, timeframe.Hour, e.loc)] = struct{}{}
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(e.debounce, e.onDebounce)
	}
}

func (e *Engine) onDebounce() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Aggregation cascade panicked", slog.Any("panic", r))
		}
	}()

	if err := e.RunPending(context.Background()); err != nil {
		e.logger.Warn("Aggregation cascade incomplete, sweep will retry", slog.Any("error", err))
	}
}

// RunPending cascades every hour marked dirty so far.
func (e *Engine) RunPending(ctx context.Context) error {
	e.cascadeMu.Lock()
	defer e.cascadeMu.Unlock()

	e.mu.Lock()
	hours := make([]time.Time, 0, len(e.dirty))
	for h := range e.dirty {
		hours = append(hours, h)
	}
	e.dirty = make(map[time.Time]struct{})
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	if len(hours) == 0 {
		return nil
	}
	return e.Cascade(ctx, hours)
}

// Cascade recomputes the given hours, then the days, ISO weeks and months that contain them.
// A failed step is logged and skipped; its parents still run from whatever children are stored.
func (e *Engine) Cascade(ctx context.Context, hours []time.Time) error {
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	var errs []error
	days := make(map[time.Time]struct{})
	for _, h := range hours {
		if err := e.hour(ctx, h); err != nil {
			errs = append(errs, err)
		}
		days[timeframe.Truncate(h, timeframe.Day, e.loc)] = struct{}{}
	}

	weeks := make(map[timeframe.ISOWeek]struct{})
	months := make(map[timeframe.YearMonth]struct{})
	for d := range days {
		if err := e.day(ctx, d); err != nil {
			errs = append(errs, err)
		}
		weeks[timeframe.WeekOf(d, e.loc)] = struct{}{}
		months[timeframe.MonthOf(d, e.loc)] = struct{}{}
	}

	for w := range weeks {
		if err := e.week(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	for m := range months {
		if err := e.month(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Debug("Aggregation cascade finished",
		slog.Int("hours", len(hours)),
		slog.Int("days", len(days)),
		slog.Int("failures", len(errs)))
	return errors.Join(errs...)
}

// SweepHours recomputes the current hour and the previous hours-1 hours.
func (e *Engine) SweepHours(ctx context.Context, now time.Time, hours int) error {
	current := timeframe.Truncate(now, timeframe.Hour, e.loc)
	var errs []error
	for i := 0; i < hours; i++ {
		if err := e.hour(ctx, current.Add(-time.Duration(i)*time.Hour)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepDays recomputes today and yesterday from their hours.
func (e *Engine) SweepDays(ctx context.Context, now time.Time) error {
	today := timeframe.Truncate(now, timeframe.Day, e.loc)
	return errors.Join(
		e.day(ctx, today.AddDate(0, 0, -1)),
		e.day(ctx, today),
	)
}

// SweepWeeksAndMonths recomputes the current and previous ISO week and calendar month.
func (e *Engine) SweepWeeksAndMonths(ctx context.Context, now time.Time) error {
	week := timeframe.WeekOf(now, e.loc)
	month := timeframe.MonthOf(now, e.loc)
	return errors.Join(
		e.week(ctx, week.Prev(e.loc)),
		e.week(ctx, week),
		e.month(ctx, month.Prev(e.loc)),
		e.month(ctx, month),
	)
}

// Stop cancels the debounce timer and runs the pending cascade synchronously.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.RunPending(ctx)
}

// PendingHours returns the number of hours waiting for the debounced cascade.
func (e *Engine) PendingHours() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}

func (e *Engine) hour(ctx context.Context, hourStart time.Time) error {
	res, err := e.store.AggregateHour(ctx, hourStart)
	metrics.ObserveAggregation(string(timeframe.Hour), res.Skipped, err)
	if err != nil {
		e.logger.Error("Hour aggregation failed", slog.Time("hour", hourStart), slog.Any("error", err))
		return fmt.Errorf("hour %s: %w", hourStart.Format(time.RFC3339), err)
	}
	return nil
}

func (e *Engine) day(ctx context.Context, day time.Time) error {
	res, err := e.store.AggregateDay(ctx, day)
	metrics.ObserveAggregation(string(timeframe.Day), res.Skipped, err)
	if err != nil {
		e.logger.Error("Day aggregation failed", slog.String("date", timeframe.DateKey(day, e.loc)), slog.Any("error", err))
		return fmt.Errorf("day %s: %w", timeframe.DateKey(day, e.loc), err)
	}
	if !res.Skipped && e.OnDayAggregated != nil {
		e.OnDayAggregated(day)
	}
	return nil
}

func (e *Engine) week(ctx context.Context, week timeframe.ISOWeek) error {
	res, err := e.store.AggregateWeek(ctx, week)
	metrics.ObserveAggregation(string(timeframe.Week), res.Skipped, err)
	if err != nil {
		e.logger.Error("Week aggregation failed", slog.String("week", week.String()), slog.Any("error", err))
		return fmt.Errorf("week %s: %w", week, err)
	}
	return nil
}

func (e *Engine) month(ctx context.Context, month timeframe.YearMonth) error {
	res, err := e.store.AggregateMonth(ctx, month)
	metrics.ObserveAggregation(string(timeframe.Month), res.Skipped, err)
	if err != nil {
		e.logger.Error("Month aggregation failed", slog.String("month", month.String()), slog.Any("error", err))
		return fmt.Errorf("month %s: %w", month, err)
	}
	return nil
}
