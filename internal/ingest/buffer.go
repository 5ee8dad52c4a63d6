// Package ingest buffers accepted hits in memory and writes them to durable
// storage in batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"webtraffic/internal/metrics"
	"webtraffic/internal/pkg/retry"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("event buffer closed")

const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
	TriggerForce = "force"
)

// Event is one accepted hit waiting to be flushed. Only its aggregate effect is persisted.
type Event struct {
	ID        string
	Timestamp time.Time
	Metadata  map[string]string
}

// Writer persists one batch. It must either store the whole batch or nothing.
type Writer interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, events []Event) error

func (f WriterFunc) WriteBatch(ctx context.Context, events []Event) error { return f(ctx, events) }

// Options tunes flushing.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	Backoff       retry.Backoff
	// OnFlushed is called after every successful write with the stored batch.
	OnFlushed func(events []Event)
}

// DefaultOptions flushes at 100 events or 300ms, retrying 5 times from 100ms to 2s.
func DefaultOptions() Options {
	return Options{
		BatchSize:     100,
		FlushInterval: 300 * time.Millisecond,
		MaxAttempts:   5,
		Backoff:       retry.Backoff{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2, Max: 2 * time.Second},
	}
}

// Buffer accumulates events and flushes them when BatchSize is reached or
// FlushInterval has passed since the oldest unflushed event, whichever comes first.
//
// At most one flush runs at a time. A flush swaps the pending list for an empty
// one and never touches the swapped-out list again except to put it back in
// front of newer events when the write fails after all retries.
type Buffer struct {
	writer Writer
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	pending []Event
	// oldestAt is when the oldest pending event was enqueued.
	oldestAt time.Time
	timer    *time.Timer
	closed   bool

	flushMu  sync.Mutex
	flushing atomic.Bool
	inFlight atomic.Int64
}

// NewBuffer creates a Buffer writing through writer.
func NewBuffer(writer Writer, logger *slog.Logger, opts Options) *Buffer {
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	return &Buffer{writer: writer, logger: logger, opts: opts}
}

// Enqueue appends an event. It never blocks on I/O.
func (b *Buffer) Enqueue(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.pending) == 0 {
		b.oldestAt = time.Now()
	}
	b.pending = append(b.pending, ev)
	n := len(b.pending)
	b.armTimerLocked()
	b.mu.Unlock()

	metrics.BufferPending.Inc()

	if n >= b.opts.BatchSize && !b.flushing.Load() {
		go b.tryFlush(TriggerSize)
	}
	return nil
}

// Pending returns the number of events not yet durably written, including a batch being written.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + int(b.inFlight.Load())
}

// Flush writes the pending events unless a flush is already running, in which
// case it returns immediately. It reports whether this call performed the flush.
func (b *Buffer) Flush(ctx context.Context) (bool, error) {
	if !b.flushMu.TryLock() {
		return false, nil
	}
	err := b.drain(ctx, TriggerForce, false)
	b.releaseFlush(err == nil)
	return true, err
}

// ForceFlush waits for any running flush, then writes everything pending.
func (b *Buffer) ForceFlush(ctx context.Context) error {
	b.flushMu.Lock()
	err := b.drain(ctx, TriggerForce, true)
	b.releaseFlush(err == nil)
	return err
}

// releaseFlush unlocks flushMu. After a successful drain it starts a size
// flush for events that crossed BatchSize while the lock was held, since
// their own size trigger saw a flush running and stood down.
func (b *Buffer) releaseFlush(drained bool) {
	b.flushMu.Unlock()
	if drained && b.Pending() >= b.opts.BatchSize {
		go b.tryFlush(TriggerSize)
	}
}

// Close rejects further events and force flushes what is left.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if err := b.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush %d pending events on close: %w", b.Pending(), err)
	}
	return nil
}

func (b *Buffer) armTimerLocked() {
	if b.timer != nil || b.closed || len(b.pending) == 0 {
		return
	}
	wait := b.opts.FlushInterval - time.Since(b.oldestAt)
	b.timer = time.AfterFunc(max(wait, 0), b.onTimer)
}

func (b *Buffer) onTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.tryFlush(TriggerTimer)
}

func (b *Buffer) tryFlush(trigger string) {
	if !b.flushMu.TryLock() {
		return
	}
	err := b.drain(context.Background(), trigger, false)
	b.releaseFlush(err == nil)

	if err != nil {
		b.logger.Error("Flush failed, events re-queued",
			slog.String("trigger", trigger),
			slog.Int("pending", b.Pending()),
			slog.Any("error", err))
	}
}

// swap takes up to BatchSize of the oldest events and replaces the pending
// list with a fresh slice holding the rest. The caller holds flushMu.
func (b *Buffer) swap() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.pending
	b.pending = nil
	if len(batch) > b.opts.BatchSize {
		b.pending = append([]Event(nil), batch[b.opts.BatchSize:]...)
		batch = batch[:b.opts.BatchSize:b.opts.BatchSize]
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.inFlight.Store(int64(len(batch)))
	return batch
}

func (b *Buffer) requeue(batch []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Event, 0, len(batch)+len(b.pending))
	merged = append(merged, batch...)
	merged = append(merged, b.pending...)
	b.pending = merged
	b.oldestAt = time.Now()
	b.inFlight.Store(0)
	b.armTimerLocked()
}

// drain writes batches until nothing is left (all) or fewer than BatchSize events
// remain. The caller holds flushMu.
func (b *Buffer) drain(ctx context.Context, trigger string, all bool) error {
	b.flushing.Store(true)
	defer b.flushing.Store(false)

	for {
		batch := b.swap()
		if len(batch) == 0 {
			return nil
		}

		start := time.Now()
		err := retry.Do(ctx, b.opts.MaxAttempts, b.opts.Backoff, func(ctx context.Context) error {
			return b.writer.WriteBatch(ctx, batch)
		}, func(attempt int, err error, wait time.Duration) {
			metrics.FlushRetriesTotal.Inc()
			b.logger.Warn("Flush attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("batch_size", len(batch)),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		})
		metrics.ObserveFlush(trigger, len(batch), time.Since(start), err)

		if err != nil {
			b.requeue(batch)
			return fmt.Errorf("failed to write batch of %d events: %w", len(batch), err)
		}

		b.inFlight.Store(0)
		metrics.BufferPending.Sub(float64(len(batch)))
		b.logger.Debug("Flushed batch",
			slog.String("trigger", trigger),
			slog.Int("batch_size", len(batch)),
			slog.Duration("took", time.Since(start)))

		if b.opts.OnFlushed != nil {
			b.opts.OnFlushed(batch)
		}

		b.mu.Lock()
		remaining := len(b.pending)
		if !all && remaining < b.opts.BatchSize {
			b.armTimerLocked()
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
	}
}
