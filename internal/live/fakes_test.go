package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"webtraffic/internal/buckets"
)

type fakeSubscriber struct {
	id string

	mu        sync.Mutex
	received  []Message
	failSend  bool
	probes    int
	responded bool
	closed    bool
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, responded: true}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSubscriberGone
	}
	if f.failSend {
		return errors.New("broken pipe")
	}
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeSubscriber) Probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return nil
}

func (f *fakeSubscriber) RespondedSince(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responded
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.received...)
}

func (f *fakeSubscriber) snapshots() []TrafficSnapshot {
	var out []TrafficSnapshot
	for _, m := range f.messages() {
		if s, ok := m.(TrafficSnapshot); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// staticSnapshot returns a snapshot builder reporting today's total as today().
func staticSnapshot(date string, today func() int64) func(context.Context) (TrafficSnapshot, error) {
	return func(context.Context) (TrafficSnapshot, error) {
		t := today()
		return TrafficSnapshot{
			Date:      date,
			Today:     t,
			Week:      t,
			Last7Days: []buckets.DayCount{{Date: date, DayName: "Sunday", Count: t}},
			Timestamp: time.Now(),
		}, nil
	}
}

// failingBroker never manages to subscribe.
type failingBroker struct{}

func (failingBroker) Publish(context.Context, []byte) error { return errors.New("no brokers") }

func (failingBroker) Subscribe(ctx context.Context, _ chan<- struct{}, _ func([]byte)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return errors.New("no brokers")
	}
}

func (failingBroker) Close() error { return nil }

// hubSubscriptions admits every connection straight into the hub.
type hubSubscriptions struct {
	*Hub
}

func (h hubSubscriptions) SubscribeLive(ctx context.Context, sub Subscriber) error {
	h.Subscribe(ctx, sub)
	return nil
}

func (h hubSubscriptions) UnsubscribeLive(id string) {
	h.Unsubscribe(id)
}
