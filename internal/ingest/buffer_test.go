package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/pkg/retry"
	"webtraffic/internal/testsupport"
)

type recordedWrite struct {
	at  time.Time
	ids []string
}

// fakeWriter records every successful batch and fails the first failures calls.
type fakeWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	calls    int
	failures int
	block    chan struct{}
}

func (w *fakeWriter) WriteBatch(_ context.Context, events []Event) error {
	if w.block != nil {
		<-w.block
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("database is locked")
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	w.writes = append(w.writes, recordedWrite{at: time.Now(), ids: ids})
	return nil
}

func (w *fakeWriter) snapshot() []recordedWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedWrite(nil), w.writes...)
}

func (w *fakeWriter) total() int {
	n := 0
	for _, wr := range w.snapshot() {
		n += len(wr.ids)
	}
	return n
}

func testOptions() Options {
	return Options{
		BatchSize:     100,
		FlushInterval: 300 * time.Millisecond,
		MaxAttempts:   2,
		Backoff:       retry.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func event(i int) Event {
	return Event{ID: fmt.Sprintf("e%d", i), Timestamp: time.Now()}
}

func TestBurstTriggersSizeFlushes(t *testing.T) {
	writer := &fakeWriter{}
	buf := NewBuffer(writer, testsupport.GetLogger(), testOptions())

	start := time.Now()
	for i := 0; i < 250; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool { return writer.total() == 250 }, 2*time.Second, 5*time.Millisecond)

	immediate := 0
	for _, wr := range writer.snapshot() {
		if wr.at.Sub(start) < 250*time.Millisecond {
			immediate++
		}
	}
	assert.GreaterOrEqual(t, immediate, 2)
	assert.Zero(t, buf.Pending())
}

func TestIdleFlushFiresOnce(t *testing.T) {
	writer := &fakeWriter{}
	buf := NewBuffer(writer, testsupport.GetLogger(), testOptions())

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}

	time.Sleep(400 * time.Millisecond)

	writes := writer.snapshot()
	require.Len(t, writes, 1)
	assert.Len(t, writes[0].ids, 5)
	assert.GreaterOrEqual(t, writes[0].at.Sub(start), 250*time.Millisecond)
}

func TestFailedBatchIsRequeuedInFront(t *testing.T) {
	writer := &fakeWriter{failures: 2}
	buf := NewBuffer(writer, testsupport.GetLogger(), testOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}

	flushed, err := buf.Flush(ctx)
	assert.True(t, flushed)
	require.Error(t, err)
	assert.Equal(t, 3, buf.Pending())

	require.NoError(t, buf.Enqueue(event(3)))
	require.NoError(t, buf.ForceFlush(ctx))

	writes := writer.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, []string{"e0", "e1", "e2", "e3"}, writes[0].ids)
	assert.Zero(t, buf.Pending())
}

func TestConcurrentFlushIsNoop(t *testing.T) {
	writer := &fakeWriter{block: make(chan struct{})}
	buf := NewBuffer(writer, testsupport.GetLogger(), testOptions())
	ctx := context.Background()

	require.NoError(t, buf.Enqueue(event(0)))

	done := make(chan error, 1)
	go func() { done <- buf.ForceFlush(ctx) }()

	// Wait until the first flush holds the batch.
	require.Eventually(t, func() bool { return buf.flushing.Load() }, time.Second, time.Millisecond)

	flushed, err := buf.Flush(ctx)
	assert.False(t, flushed)
	assert.NoError(t, err)
	assert.Equal(t, 1, buf.Pending())

	close(writer.block)
	require.NoError(t, <-done)

	writes := writer.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, []string{"e0"}, writes[0].ids)
}

func TestThresholdCrossedDuringFlushIsFlushedOnRelease(t *testing.T) {
	writer := &fakeWriter{}
	opts := testOptions()
	opts.FlushInterval = time.Hour
	buf := NewBuffer(writer, testsupport.GetLogger(), opts)
	ctx := context.Background()

	// Another flush holds the lock, so the size trigger stands down.
	buf.flushMu.Lock()
	buf.flushing.Store(true)
	for i := 0; i < opts.BatchSize; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}
	buf.flushing.Store(false)
	buf.releaseFlush(true)

	require.Eventually(t, func() bool { return writer.total() == opts.BatchSize }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return buf.Pending() == 0 }, time.Second, 5*time.Millisecond)

	// The manual path releases the same way and still writes what is left.
	for i := 0; i < opts.BatchSize-1; i++ {
		require.NoError(t, buf.Enqueue(event(1000 + i)))
	}
	require.NoError(t, buf.ForceFlush(ctx))
	assert.Equal(t, 2*opts.BatchSize-1, writer.total())
}

func TestFailedFlushDoesNotRetriggerImmediately(t *testing.T) {
	writer := &fakeWriter{failures: 100}
	opts := testOptions()
	opts.FlushInterval = time.Hour
	buf := NewBuffer(writer, testsupport.GetLogger(), opts)

	for i := 0; i < opts.BatchSize; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}

	require.Eventually(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return writer.calls >= opts.MaxAttempts
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writer.mu.Lock()
	calls := writer.calls
	writer.mu.Unlock()
	assert.Equal(t, opts.MaxAttempts, calls)
	assert.Equal(t, opts.BatchSize, buf.Pending())
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	writer := &fakeWriter{}
	opts := testOptions()
	opts.BatchSize = 7
	opts.FlushInterval = 5 * time.Millisecond
	buf := NewBuffer(writer, testsupport.GetLogger(), opts)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, buf.Enqueue(event(g*1000+i)))
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, buf.ForceFlush(context.Background()))
	require.Eventually(t, func() bool { return writer.total() == 1000 }, time.Second, 5*time.Millisecond)

	seen := make(map[string]bool)
	for _, wr := range writer.snapshot() {
		for _, id := range wr.ids {
			assert.False(t, seen[id], "duplicate %s", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 1000)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	writer := &fakeWriter{}
	var flushedBatches int
	opts := testOptions()
	opts.OnFlushed = func([]Event) { flushedBatches++ }
	buf := NewBuffer(writer, testsupport.GetLogger(), opts)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Enqueue(event(i)))
	}
	require.NoError(t, buf.Close(context.Background()))

	assert.Equal(t, 3, writer.total())
	assert.Equal(t, 1, flushedBatches)
	assert.ErrorIs(t, buf.Enqueue(event(9)), ErrClosed)
}

func TestStoreWriterPersistsMinuteCounts(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	store := newTestStore(dbManager, logger)
	buf := NewBuffer(NewStoreWriter(store), logger, testOptions())

	minute := time.Now().UTC().Truncate(time.Minute)
	for i := 0; i < 250; i++ {
		require.NoError(t, buf.Enqueue(Event{ID: fmt.Sprint(i), Timestamp: minute.Add(time.Duration(i%60) * time.Second)}))
	}
	require.NoError(t, buf.ForceFlush(context.Background()))

	total, err := store.MinuteTotal(context.Background(), minute, minute.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(250), total)
}

func TestMinuteCountsGroupsByMinute(t *testing.T) {
	base := time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC)
	counts := MinuteCounts([]Event{
		{Timestamp: base.Add(5 * time.Second)},
		{Timestamp: base.Add(59 * time.Second)},
		{Timestamp: base.Add(61 * time.Second)},
	})
	assert.Equal(t, map[time.Time]int64{base: 2, base.Add(time.Minute): 1}, counts)
}
