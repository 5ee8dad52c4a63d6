package live

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"webtraffic/internal/metrics"
	"webtraffic/internal/pkg/retry"
)

// LiveUpdateSource produces messages for the hub. Exactly one of the push and
// poll strategies is active at a time, selected by the push source's health.
type LiveUpdateSource interface {
	Name() string
	// Run emits messages until ctx is done.
	Run(ctx context.Context, emit func(Message)) error
}

// PushSource receives updates from the shared broker. Its subscription health
// decides whether the poll source is needed.
type PushSource struct {
	broker  Broker
	logger  *slog.Logger
	backoff retry.Backoff

	subscriptionActive atomic.Bool
}

var _ LiveUpdateSource = (*PushSource)(nil)

func NewPushSource(broker Broker, logger *slog.Logger) *PushSource {
	return &PushSource{
		broker:  broker,
		logger:  logger,
		backoff: retry.Backoff{Initial: 500 * time.Millisecond, Multiplier: 2, Jitter: 0.2, Max: 30 * time.Second},
	}
}

func (s *PushSource) Name() string { return "push" }

// Healthy reports whether the broker subscription is currently delivering.
func (s *PushSource) Healthy() bool { return s.subscriptionActive.Load() }

func (s *PushSource) setHealthy(v bool) {
	if s.subscriptionActive.Swap(v) != v {
		metrics.SetSharedChannelHealthy(v)
		if v {
			s.logger.Info("Live subscription active")
		} else {
			s.logger.Warn("Live subscription down, polling fallback engaged")
		}
	}
}

// Run subscribes to the broker and resubscribes with backoff whenever the subscription fails.
func (s *PushSource) Run(ctx context.Context, emit func(Message)) error {
	metrics.SetSharedChannelHealthy(false)
	attempt := 0
	for {
		ready := make(chan struct{})
		stop := make(chan struct{})
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case <-ready:
				s.setHealthy(true)
			case <-stop:
			}
		}()

		err := s.broker.Subscribe(ctx, ready, func(raw []byte) {
			msg, err := Decode(raw)
			if err != nil {
				s.logger.Warn("Dropping malformed live update", slog.Any("error", err))
				return
			}
			emit(msg)
		})

		close(stop)
		<-watchDone
		s.setHealthy(false)
		if isClosed(ready) {
			attempt = 0
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrBrokerClosed) {
			return err
		}

		wait := s.backoff.Delay(attempt, rand.Float64())
		attempt++
		s.logger.Warn("Live subscription failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// PollSource pulls a fresh snapshot every interval while the push source is unhealthy.
type PollSource struct {
	interval time.Duration
	snapshot func(ctx context.Context) (TrafficSnapshot, error)
	active   func() bool
	logger   *slog.Logger
}

var _ LiveUpdateSource = (*PollSource)(nil)

// NewPollSource creates a poll source that stays quiet while pushHealthy returns true.
func NewPollSource(interval time.Duration, snapshot func(ctx context.Context) (TrafficSnapshot, error), pushHealthy func() bool, logger *slog.Logger) *PollSource {
	return &PollSource{
		interval: interval,
		snapshot: snapshot,
		active:   func() bool { return !pushHealthy() },
		logger:   logger,
	}
}

func (s *PollSource) Name() string { return "poll" }

func (s *PollSource) Run(ctx context.Context, emit func(Message)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.active() {
				continue
			}
			snap, err := s.snapshot(ctx)
			if err != nil {
				s.logger.Warn("Polling fallback failed", slog.Any("error", err))
				continue
			}
			emit(snap)
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
