package live

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const deliveryTimeout = 2 * time.Second

// Bridge moves messages from the live update sources to the hub, throttled to
// one broadcast per interval with the latest message winning.
type Bridge struct {
	hub      *Hub
	logger   *slog.Logger
	sources  []LiveUpdateSource
	snapshot func(ctx context.Context) (TrafficSnapshot, error)
	throttle *Throttler[Message]
}

// NewBridge creates a Bridge. snapshot, when non-nil, turns HitAccepted
// messages into full snapshots before they reach clients.
func NewBridge(hub *Hub, logger *slog.Logger, interval time.Duration, snapshot func(ctx context.Context) (TrafficSnapshot, error), sources ...LiveUpdateSource) *Bridge {
	b := &Bridge{
		hub:      hub,
		logger:   logger,
		sources:  sources,
		snapshot: snapshot,
	}
	b.throttle = NewThrottler(interval, b.deliver)
	return b
}

// Run runs every source until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.throttle.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range b.sources {
		g.Go(func() error {
			b.logger.Debug("Live update source started", slog.String("source", src.Name()))
			return src.Run(ctx, b.Handle)
		})
	}
	return g.Wait()
}

// Handle accepts one message from a source.
func (b *Bridge) Handle(msg Message) {
	switch msg.(type) {
	case HitAccepted, TrafficSnapshot:
		b.throttle.Submit(msg)
	case Heartbeat:
		// Liveness is tracked per connection by the hub.
	default:
		b.logger.Warn("Unhandled live message", slog.String("type", string(msg.Type())))
	}
}

func (b *Bridge) deliver(msg Message) {
	switch m := msg.(type) {
	case HitAccepted:
		b.hub.Broadcast(b.expand(m))
	case TrafficSnapshot:
		b.hub.Broadcast(m)
	case Heartbeat:
		b.hub.Broadcast(m)
	default:
		b.logger.Warn("Unhandled live message", slog.String("type", string(msg.Type())))
	}
}

// expand builds a snapshot carrying the hit's totals. Without a snapshot the hit is sent as is.
func (b *Bridge) expand(hit HitAccepted) Message {
	if b.snapshot == nil {
		return hit
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	snap, err := b.snapshot(ctx)
	if err != nil {
		b.logger.Warn("Failed to build snapshot for hit", slog.Any("error", err))
		return hit
	}
	if snap.Date == hit.Date {
		snap.Today = max(snap.Today, hit.Today)
		snap.Week = max(snap.Week, hit.Week)
		if n := len(snap.Last7Days); n > 0 && snap.Last7Days[n-1].Date == hit.Date {
			snap.Last7Days[n-1].Count = max(snap.Last7Days[n-1].Count, snap.Today)
		}
	}
	return snap
}

// Publisher sends counter changes to the shared broker, at most once per interval.
type Publisher struct {
	broker   Broker
	logger   *slog.Logger
	throttle *Throttler[Message]
}

func NewPublisher(broker Broker, logger *slog.Logger, interval time.Duration) *Publisher {
	p := &Publisher{broker: broker, logger: logger}
	p.throttle = NewThrottler(interval, p.send)
	return p
}

// Publish offers msg to the broker. It may block for one broker round trip
// when msg is sent immediately.
func (p *Publisher) Publish(msg Message) {
	p.throttle.Submit(msg)
}

func (p *Publisher) send(msg Message) {
	data, err := Encode(msg)
	if err != nil {
		p.logger.Error("Failed to encode live update", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := p.broker.Publish(ctx, data); err != nil {
		p.logger.Warn("Failed to publish live update", slog.String("type", string(msg.Type())), slog.Any("error", err))
	}
}

// Close sends a pending update and stops publishing.
func (p *Publisher) Close() {
	p.throttle.Flush()
	p.throttle.Stop()
}
