package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"webtraffic/internal/metrics"
)

// ErrSubscriberGone is returned by Subscriber.Send once the connection is closed.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber is one client-facing push connection.
type Subscriber interface {
	ID() string
	// Send queues data for delivery without blocking. An error means the
	// connection cannot keep up or is gone.
	Send(data []byte) error
	// Probe asks the client to prove it is alive.
	Probe() error
	// RespondedSince reports whether the client answered a probe, or sent anything, after t.
	RespondedSince(t time.Time) bool
	Close()
}

type client struct {
	sub       Subscriber
	lastSent  string
	probedAt  time.Time
	probeOnce bool
}

// Hub keeps the set of push subscribers of this process and delivers messages to them.
//
// Today's total shown to clients never decreases for a given date: every
// outgoing snapshot is raised to the highest value already sent. ResetDisplayFloor
// is the only way to let it go down.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client

	floorMu    sync.Mutex
	floorDate  string
	floorToday int64
	floorWeek  int64

	snapshot func(ctx context.Context) (TrafficSnapshot, error)
}

// NewHub creates a Hub. snapshot, when non-nil, builds the payload sent on
// connect and on explicit client request.
func NewHub(logger *slog.Logger, snapshot func(ctx context.Context) (TrafficSnapshot, error)) *Hub {
	return &Hub{
		logger:   logger,
		clients:  make(map[string]*client),
		snapshot: snapshot,
	}
}

// Subscribe registers sub and sends it the current snapshot.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber) {
	now := time.Now()
	h.mu.Lock()
	h.clients[sub.ID()] = &client{sub: sub, probedAt: now}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.LiveClients.Set(float64(count))
	h.logger.Info("Live client connected", slog.String("client", sub.ID()), slog.Int("clients", count))

	h.SendSnapshot(ctx, sub.ID())
}

// Unsubscribe removes the subscriber with the given id and closes it.
func (h *Hub) Unsubscribe(id string) {
	h.drop(id, "closed")
}

func (h *Hub) drop(id, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.sub.Close()
	metrics.LiveClients.Set(float64(count))
	metrics.LiveDroppedClientsTotal.WithLabelValues(reason).Inc()
	h.logger.Info("Live client removed", slog.String("client", id), slog.String("reason", reason), slog.Int("clients", count))
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers msg to every subscriber whose last message had different content.
func (h *Hub) Broadcast(msg Message) {
	msg = h.applyFloor(msg)

	data, err := Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode live message", slog.String("type", string(msg.Type())), slog.Any("error", err))
		return
	}
	fp := fingerprint(msg)

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.lastSent == fp {
			metrics.LiveSuppressedTotal.Inc()
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var failed []string
	for _, c := range targets {
		if err := c.sub.Send(data); err != nil {
			h.logger.Warn("Live send failed", slog.String("client", c.sub.ID()), slog.Any("error", err))
			failed = append(failed, c.sub.ID())
			continue
		}
		h.mu.Lock()
		c.lastSent = fp
		h.mu.Unlock()
		metrics.LiveMessagesTotal.WithLabelValues(string(msg.Type())).Inc()
	}

	for _, id := range failed {
		h.drop(id, "send_failed")
	}
}

// SendSnapshot sends a fresh snapshot to one subscriber regardless of what it last received.
func (h *Hub) SendSnapshot(ctx context.Context, id string) {
	if h.snapshot == nil {
		return
	}
	snap, err := h.snapshot(ctx)
	if err != nil {
		h.logger.Warn("Failed to build snapshot", slog.String("client", id), slog.Any("error", err))
		return
	}
	msg := h.applyFloor(snap)

	data, err := Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode snapshot", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	c, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := c.sub.Send(data); err != nil {
		h.drop(id, "send_failed")
		return
	}
	h.mu.Lock()
	c.lastSent = fingerprint(msg)
	h.mu.Unlock()
	metrics.LiveMessagesTotal.WithLabelValues(string(msg.Type())).Inc()
}

// HandleClientMessage reacts to a request sent by a subscriber.
func (h *Hub) HandleClientMessage(ctx context.Context, id string, req ClientRequest) {
	switch req.Type {
	case RequestSnapshot:
		h.SendSnapshot(ctx, id)
	default:
		h.logger.Debug("Ignoring client message", slog.String("client", id), slog.String("type", req.Type))
	}
}

// ResetDisplayFloor forgets the highest totals shown so the next snapshot may be lower.
func (h *Hub) ResetDisplayFloor() {
	h.floorMu.Lock()
	defer h.floorMu.Unlock()
	h.floorDate, h.floorToday, h.floorWeek = "", 0, 0
}

func (h *Hub) applyFloor(msg Message) Message {
	h.floorMu.Lock()
	defer h.floorMu.Unlock()

	switch m := msg.(type) {
	case TrafficSnapshot:
		m.Today, m.Week = h.raiseLocked(m.Date, m.Today, m.Week)
		if n := len(m.Last7Days); n > 0 && m.Last7Days[n-1].Date == m.Date {
			days := append(m.Last7Days[:0:0], m.Last7Days...)
			days[n-1].Count = max(days[n-1].Count, m.Today)
			m.Last7Days = days
		}
		return m
	case HitAccepted:
		m.Today, m.Week = h.raiseLocked(m.Date, m.Today, m.Week)
		return m
	case Heartbeat:
		return m
	default:
		return msg
	}
}

func (h *Hub) raiseLocked(date string, today, week int64) (int64, int64) {
	if date != h.floorDate {
		// A new date starts a fresh floor.
		h.floorDate, h.floorToday, h.floorWeek = date, today, week
		return today, week
	}
	h.floorToday = max(h.floorToday, today)
	h.floorWeek = max(h.floorWeek, week)
	return h.floorToday, h.floorWeek
}

// Run probes subscribers every interval and drops those that did not answer
// the previous probe. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkLiveness()
		}
	}
}

func (h *Hub) checkLiveness() {
	now := time.Now()
	heartbeat, err := Encode(Heartbeat{Timestamp: now})
	if err != nil {
		h.logger.Error("Failed to encode heartbeat", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var stale []string
	for _, c := range clients {
		h.mu.Lock()
		probedAt, probed := c.probedAt, c.probeOnce
		h.mu.Unlock()

		if probed && !c.sub.RespondedSince(probedAt) {
			stale = append(stale, c.sub.ID())
			continue
		}
		if err := c.sub.Probe(); err != nil {
			stale = append(stale, c.sub.ID())
			continue
		}
		// Heartbeats bypass the duplicate-content guard.
		if err := c.sub.Send(heartbeat); err != nil {
			stale = append(stale, c.sub.ID())
			continue
		}
		metrics.LiveMessagesTotal.WithLabelValues(string(TypeHeartbeat)).Inc()

		h.mu.Lock()
		c.probedAt, c.probeOnce = now, true
		h.mu.Unlock()
	}

	for _, id := range stale {
		h.drop(id, "heartbeat")
	}
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.drop(id, "closed")
	}
}

var errSendQueueFull = errors.New("send queue full")
