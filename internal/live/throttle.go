package live

import (
	"sync"
	"time"
)

// Throttler coalesces submissions so send runs at most once per interval.
// The first value after a quiet period is sent immediately; values submitted
// inside the interval replace each other and only the latest is sent when the
// interval ends.
type Throttler[T any] struct {
	interval time.Duration
	send     func(T)

	mu         sync.Mutex
	lastSent   time.Time
	latest     T
	hasPending bool
	timer      *time.Timer
	stopped    bool

	sendMu sync.Mutex
}

// NewThrottler creates a Throttler calling send with the coalesced values.
func NewThrottler[T any](interval time.Duration, send func(T)) *Throttler[T] {
	return &Throttler[T]{interval: interval, send: send}
}

// Submit offers v for sending.
func (t *Throttler[T]) Submit(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if t.timer == nil {
		if wait := t.interval - time.Since(t.lastSent); wait > 0 {
			t.latest, t.hasPending = v, true
			t.timer = time.AfterFunc(wait, t.fire)
			t.mu.Unlock()
			return
		}
		t.lastSent = time.Now()
		t.mu.Unlock()
		t.deliver(v)
		return
	}

	// A trailing send is already scheduled; it picks up v.
	t.latest, t.hasPending = v, true
	t.mu.Unlock()
}

func (t *Throttler[T]) fire() {
	t.mu.Lock()
	t.timer = nil
	if !t.hasPending || t.stopped {
		t.mu.Unlock()
		return
	}
	v := t.latest
	var zero T
	t.latest, t.hasPending = zero, false
	t.lastSent = time.Now()
	t.mu.Unlock()

	t.deliver(v)
}

func (t *Throttler[T]) deliver(v T) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.send(v)
}

// Flush sends a pending value immediately.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.fire()
}

// Stop drops any pending value and rejects further submissions.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
