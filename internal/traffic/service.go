// Package traffic owns the counting pipeline: it accepts hits, keeps the fast
// counters, buffers durable writes, drives aggregation and feeds the live hub.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge/cache"

	"webtraffic/internal/aggregation"
	"webtraffic/internal/buckets"
	"webtraffic/internal/config"
	"webtraffic/internal/counter"
	"webtraffic/internal/ingest"
	"webtraffic/internal/live"
	"webtraffic/internal/metrics"
	"webtraffic/internal/pkg/async"
	"webtraffic/internal/pkg/retry"
	"webtraffic/internal/reconcile"
	"webtraffic/internal/timeframe"
)

var (
	ErrInvalidDate  = errors.New("invalid date")
	ErrFutureDate   = errors.New("date is in the future")
	ErrShuttingDown = errors.New("service is shutting down")
)

// HitRequest describes one hit. Date, when set, backfills the hit onto that
// calendar date at the current time of day. Otherwise Timestamp, or now, is used.
type HitRequest struct {
	Date      string
	Timestamp *time.Time
	Metadata  map[string]string
}

// Ack acknowledges an accepted hit. Today is the fast counter of the hit's date
// right after the increment, 0 when the counter was unavailable.
type Ack struct {
	ID         string    `json:"id"`
	Date       string    `json:"date"`
	Today      int64     `json:"today"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// DayTotal is the answer to a single date lookup.
type DayTotal struct {
	Date    string `json:"date"`
	DayName string `json:"dayName"`
	Count   int64  `json:"count"`
	Source  string `json:"source"`
}

const (
	SourceCounter = "counter"
	SourceDurable = "durable"
)

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the single owner of the pipeline state. Create it with NewService,
// call Start once and Shutdown before exit.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time

	store      *buckets.Store
	counters   counter.Store
	broker     live.Broker
	buffer     *ingest.Buffer
	engine     *aggregation.Engine
	reconciler *reconcile.Reconciler
	hub        *live.Hub
	push       *live.PushSource
	bridge     *live.Bridge
	publisher  *live.Publisher
	runner     *async.Runner
	last7      *cache.Cache[string, []buckets.DayCount]

	started  atomic.Bool
	closing  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService wires the pipeline. The service takes ownership of counters and
// broker and closes them on Shutdown.
func NewService(cfg *config.Config, store *buckets.Store, counters counter.Store, broker live.Broker, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		loc:      store.Location(),
		now:      time.Now,
		store:    store,
		counters: counters,
		broker:   broker,
	}
	for _, opt := range opts {
		opt(s)
	}

	initial, maxBackoff := cfg.FlushBackoff()
	s.engine = aggregation.NewEngine(store, logger, s.loc, cfg.AggregationDebounce())
	s.engine.OnDayAggregated = func(time.Time) { s.last7.Clear() }

	s.buffer = ingest.NewBuffer(ingest.NewStoreWriter(store), logger, ingest.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		MaxAttempts:   cfg.FlushMaxAttempts,
		Backoff:       retry.Backoff{Initial: initial, Multiplier: 2, Jitter: 0.2, Max: maxBackoff},
		OnFlushed: func(events []ingest.Event) {
			instants := make([]time.Time, len(events))
			for i, ev := range events {
				instants[i] = ev.Timestamp
			}
			s.engine.MarkDirty(instants...)
		},
	})

	s.reconciler = reconcile.New(store, counters, logger, s.loc, cfg.ReconcileWindowDays)
	s.last7 = cache.NewCache[string, []buckets.DayCount](logger, cfg.LastDaysCacheTTL(), s.fetchLast7Days)

	s.hub = live.NewHub(logger, s.Snapshot)
	s.push = live.NewPushSource(broker, logger)
	poll := live.NewPollSource(cfg.FallbackPollInterval(), s.Snapshot, s.push.Healthy, logger)
	s.bridge = live.NewBridge(s.hub, logger, cfg.BroadcastInterval(), s.Snapshot, s.push, poll)
	s.publisher = live.NewPublisher(broker, logger, cfg.BroadcastInterval())
	s.runner = async.NewRunner(logger)
	return s
}

// Start waits for the fast counter store, seeds it from durable storage and
// starts live delivery.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.CounterReadyTimeout())
	defer cancel()
	if err := s.counters.Ready(readyCtx); err != nil {
		return fmt.Errorf("fast counter store not ready after %s: %w", s.cfg.CounterReadyTimeout(), err)
	}

	if _, err := s.reconciler.Initialize(ctx, s.now()); err != nil {
		s.logger.Warn("Startup reconciliation incomplete, serving current counters", slog.Any("error", err))
	}

	runCtx, stop := context.WithCancel(context.Background())
	s.cancel = stop

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.bridge.Run(runCtx); err != nil {
			s.logger.Error("Live bridge stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx, s.cfg.HeartbeatInterval())
	}()

	s.logger.Info("Traffic service started",
		slog.String("timezone", s.loc.String()),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Duration("flush_interval", s.cfg.FlushInterval()))
	return nil
}

// RecordHit counts a hit and queues it for durable storage. It never waits on
// durable storage or on the live channel.
func (s *Service) RecordHit(ctx context.Context, req HitRequest) (Ack, error) {
	if s.closing.Load() {
		return Ack{}, ErrShuttingDown
	}

	now := s.now()
	ts, err := s.resolveTimestamp(req, now)
	if err != nil {
		metrics.HitsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return Ack{}, err
	}

	date := timeframe.DateKey(ts, s.loc)
	today := s.increment(ctx, counter.DayKey(ts, s.loc))
	week := s.increment(ctx, counter.WeekKey(ts, s.loc))
	minute := s.increment(ctx, counter.MinuteKey(ts, s.loc))

	id := uuid.NewString()
	if err := s.buffer.Enqueue(ingest.Event{ID: id, Timestamp: ts, Metadata: req.Metadata}); err != nil {
		if errors.Is(err, ingest.ErrClosed) {
			return Ack{}, ErrShuttingDown
		}
		return Ack{}, err
	}
	metrics.HitsRecordedTotal.Inc()

	hit := live.HitAccepted{Date: date, Today: today, Week: week, Minute: minute, Timestamp: now}
	s.runner.Go("publish_hit", func() error {
		s.publisher.Publish(hit)
		return nil
	})

	return Ack{ID: id, Date: date, Today: today, AcceptedAt: now}, nil
}

func (s *Service) resolveTimestamp(req HitRequest, now time.Time) (time.Time, error) {
	today := timeframe.Truncate(now, timeframe.Day, s.loc)

	if req.Date != "" {
		day, err := timeframe.ParseDate(req.Date, s.loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, req.Date)
		}
		if day.After(today) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrFutureDate, req.Date)
		}
		local := now.In(s.loc)
		return time.Date(day.Year(), day.Month(), day.Day(), local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), s.loc), nil
	}

	if req.Timestamp != nil {
		if req.Timestamp.After(now.Add(time.Minute)) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrFutureDate, req.Timestamp.Format(time.RFC3339))
		}
		return *req.Timestamp, nil
	}
	return now, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, ErrFutureDate):
		return "future_date"
	default:
		return "other"
	}
}

// increment bumps a fast counter. Failures are logged and yield 0; the hit is
// still buffered and reconciliation repairs the counter later.
func (s *Service) increment(ctx context.Context, key counter.Key) int64 {
	v, err := s.counters.Increment(ctx, key, 1)
	if err != nil {
		metrics.CounterErrorsTotal.WithLabelValues("increment").Inc()
		s.logger.Warn("Fast counter increment failed", slog.String("key", key.String()), slog.Any("error", err))
		return 0
	}
	return v
}

func (s *Service) counterValue(ctx context.Context, key counter.Key) int64 {
	v, err := s.counters.Get(ctx, key)
	if err != nil {
		metrics.CounterErrorsTotal.WithLabelValues("get").Inc()
		s.logger.Warn("Fast counter read failed", slog.String("key", key.String()), slog.Any("error", err))
		return 0
	}
	return v
}

func (s *Service) isRecent(day, now time.Time) bool {
	oldest := timeframe.Truncate(now, timeframe.Day, s.loc).AddDate(0, 0, -(s.cfg.ReconcileWindowDays - 1))
	return !day.Before(oldest)
}

// GetTrafficForDate returns the total of one date: the larger of the fast
// counter (recent dates only) and the durable total, so an evicted or reset
// counter never hides durable hits. When durable storage fails, a positive
// counter is still returned.
func (s *Service) GetTrafficForDate(ctx context.Context, date string) (DayTotal, error) {
	day, err := timeframe.ParseDate(date, s.loc)
	if err != nil {
		return DayTotal{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	result := DayTotal{Date: date, DayName: timeframe.DayName(day, s.loc)}

	var fast int64
	if s.isRecent(day, s.now()) {
		fast = s.counterValue(ctx, counter.DayKey(day, s.loc))
	}

	total, err := s.store.DurableDayTotal(ctx, day)
	if err != nil {
		if fast > 0 {
			s.logger.Warn("Durable day total unavailable, serving fast counter",
				slog.String("date", date), slog.Any("error", err))
			result.Count, result.Source = fast, SourceCounter
			return result, nil
		}
		return DayTotal{}, err
	}

	if fast > 0 && fast >= total {
		result.Count, result.Source = fast, SourceCounter
		return result, nil
	}
	result.Count, result.Source = total, SourceDurable
	return result, nil
}

// GetLast7Days returns the trailing seven days, oldest first, cached briefly.
func (s *Service) GetLast7Days(ctx context.Context) ([]buckets.DayCount, error) {
	days, err := s.last7.Get(timeframe.DateKey(s.now(), s.loc))
	if err != nil {
		return nil, err
	}
	out := make([]buckets.DayCount, len(days))
	copy(out, days)
	return out, nil
}

func (s *Service) fetchLast7Days(todayKey string) ([]buckets.DayCount, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	today, err := timeframe.ParseDate(todayKey, s.loc)
	if err != nil {
		return nil, err
	}
	days := timeframe.LastNDays(today, 7, s.loc)
	keys := make([]string, len(days))
	for i, d := range days {
		keys[i] = timeframe.DateKey(d, s.loc)
	}

	durable, err := s.store.DayCounts(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]buckets.DayCount, len(days))
	for i, d := range days {
		fast := s.counterValue(ctx, counter.DayKey(d, s.loc))
		out[i] = buckets.DayCount{
			Date:    keys[i],
			DayName: timeframe.DayName(d, s.loc),
			Count:   max(durable[keys[i]], fast),
		}
	}
	return out, nil
}

// GetHourlyBreakdown returns the 24 hour buckets of a date.
func (s *Service) GetHourlyBreakdown(ctx context.Context, date string) ([]buckets.HourCount, error) {
	day, err := timeframe.ParseDate(date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return s.store.HourlyBreakdown(ctx, day)
}

// GetWeeklyData returns the trailing ISO weeks, the current one raised to its fast counter.
func (s *Service) GetWeeklyData(ctx context.Context) ([]buckets.WeekCount, error) {
	now := s.now()
	weeks, err := s.store.RecentWeeks(ctx, now, s.cfg.TrailingWindowUnits)
	if err != nil {
		return nil, err
	}
	if n := len(weeks); n > 0 {
		weeks[n-1].Count = max(weeks[n-1].Count, s.counterValue(ctx, counter.WeekKey(now, s.loc)))
	}
	return weeks, nil
}

// GetMonthlyData returns the trailing calendar months.
func (s *Service) GetMonthlyData(ctx context.Context) ([]buckets.MonthCount, error) {
	return s.store.RecentMonths(ctx, s.now(), s.cfg.TrailingWindowUnits)
}

// GetPendingCount returns the number of hits not yet durably written.
func (s *Service) GetPendingCount() int {
	return s.buffer.Pending()
}

// Snapshot builds the full live payload.
func (s *Service) Snapshot(ctx context.Context) (live.TrafficSnapshot, error) {
	now := s.now()
	days, err := s.GetLast7Days(ctx)
	if err != nil {
		return live.TrafficSnapshot{}, fmt.Errorf("failed to read last 7 days: %w", err)
	}

	snap := live.TrafficSnapshot{
		Date:      timeframe.DateKey(now, s.loc),
		Last7Days: days,
		Week:      s.counterValue(ctx, counter.WeekKey(now, s.loc)),
		Timestamp: now,
	}
	if n := len(days); n > 0 {
		snap.Today = days[n-1].Count
		if n > 1 {
			snap.PercentChange = percentChange(days[n-2].Count, snap.Today)
		}
	}
	if snap.Week == 0 {
		week, err := s.store.WeekBucketCount(ctx, timeframe.WeekOf(now, s.loc))
		if err != nil {
			s.logger.Warn("Failed to read week bucket", slog.Any("error", err))
		}
		snap.Week = week
	}
	snap.Week = max(snap.Week, snap.Today)
	snap.RequestsPerSecond = s.requestsPerSecond(ctx, now)
	return snap, nil
}

// percentChange compares today with yesterday, rounded to one decimal.
func percentChange(yesterday, today int64) float64 {
	if yesterday == 0 {
		if today == 0 {
			return 0
		}
		return 100
	}
	pct := float64(today-yesterday) / float64(yesterday) * 100
	return math.Round(pct*10) / 10
}

// requestsPerSecond estimates the rate over the last 60 seconds from the
// current and previous minute counters, weighting the previous minute by the
// part of it still inside the window.
func (s *Service) requestsPerSecond(ctx context.Context, now time.Time) float64 {
	minuteStart := timeframe.Truncate(now, timeframe.Minute, s.loc)
	current := s.counterValue(ctx, counter.MinuteKey(now, s.loc))
	previous := s.counterValue(ctx, counter.MinuteKey(minuteStart.Add(-time.Minute), s.loc))

	elapsed := now.Sub(minuteStart).Seconds()
	weight := (60 - elapsed) / 60
	rate := (float64(previous)*weight + float64(current)) / 60
	return math.Round(rate*100) / 100
}

// SubscribeLive registers a push connection and sends it a snapshot.
func (s *Service) SubscribeLive(ctx context.Context, sub live.Subscriber) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	s.hub.Subscribe(ctx, sub)
	return nil
}

// UnsubscribeLive removes a push connection.
func (s *Service) UnsubscribeLive(id string) {
	s.hub.Unsubscribe(id)
}

// HandleClientMessage answers a request sent over a push connection.
func (s *Service) HandleClientMessage(ctx context.Context, id string, req live.ClientRequest) {
	s.hub.HandleClientMessage(ctx, id, req)
}

var _ live.Subscriptions = (*Service)(nil)

// LiveClients returns the number of push connections of this process.
func (s *Service) LiveClients() int { return s.hub.ClientCount() }

// SharedChannelActive reports whether the broker subscription is delivering.
func (s *Service) SharedChannelActive() bool { return s.push.Healthy() }

// Reconcile raises the fast counters of the trailing window to their durable totals.
func (s *Service) Reconcile(ctx context.Context) (reconcile.Report, error) {
	report, err := s.reconciler.Initialize(ctx, s.now())
	s.last7.Clear()
	return report, err
}

// Resync flushes pending hits, overwrites the fast counters with durable
// totals and lets displayed totals drop to the new values.
func (s *Service) Resync(ctx context.Context) (reconcile.Report, error) {
	if err := s.buffer.ForceFlush(ctx); err != nil {
		return reconcile.Report{}, fmt.Errorf("failed to flush before resync: %w", err)
	}

	report, err := s.reconciler.Resync(ctx, s.now())
	s.last7.Clear()
	s.hub.ResetDisplayFloor()
	if snap, snapErr := s.Snapshot(ctx); snapErr == nil {
		s.bridge.Handle(snap)
	}
	return report, err
}

// SweepHours recomputes the recent hours.
func (s *Service) SweepHours(ctx context.Context, hours int) error {
	return s.engine.SweepHours(ctx, s.now(), hours)
}

// SweepDays recomputes today and yesterday.
func (s *Service) SweepDays(ctx context.Context) error {
	err := s.engine.SweepDays(ctx, s.now())
	s.last7.Clear()
	return err
}

// SweepWeeksAndMonths recomputes the current and previous week and month.
func (s *Service) SweepWeeksAndMonths(ctx context.Context) error {
	return s.engine.SweepWeeksAndMonths(ctx, s.now())
}

// PruneMinutes deletes minute buckets older than the retention period. Hours
// still covered by the hour sweep are never pruned.
func (s *Service) PruneMinutes(ctx context.Context) (int64, error) {
	retention := max(s.cfg.MinuteRetention(), 2*time.Hour)
	cutoff := timeframe.Truncate(s.now().Add(-retention), timeframe.Hour, s.loc)
	return s.store.PruneMinutes(ctx, cutoff)
}

// ForceFlush writes every pending hit and runs the aggregation it triggers.
func (s *Service) ForceFlush(ctx context.Context) error {
	if err := s.buffer.ForceFlush(ctx); err != nil {
		return err
	}
	return s.engine.RunPending(ctx)
}

// Shutdown stops accepting hits, flushes everything durably, stops live
// delivery and releases the counter store and broker.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("Shutting down traffic service", slog.Int("pending", s.buffer.Pending()))

		var errs []error
		if e := s.buffer.Close(ctx); e != nil {
			errs = append(errs, e)
		}
		if e := s.engine.Stop(ctx); e != nil {
			errs = append(errs, fmt.Errorf("final aggregation: %w", e))
		}

		s.publisher.Close()
		if e := s.runner.Close(ctx); e != nil {
			errs = append(errs, fmt.Errorf("background tasks: %w", e))
		}

		if s.cancel != nil {
			s.cancel()
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("live delivery: %w", ctx.Err()))
		}
		s.hub.CloseAll()

		if e := s.broker.Close(); e != nil {
			errs = append(errs, fmt.Errorf("broker: %w", e))
		}
		if e := s.counters.Close(); e != nil {
			errs = append(errs, fmt.Errorf("counter store: %w", e))
		}

		err = errors.Join(errs...)
		if err != nil {
			s.logger.Error("Traffic service shut down with errors", slog.Any("error", err))
		} else {
			s.logger.Info("Traffic service stopped")
		}
	})
	return err
}
