package ingest

import (
	"context"
	"time"

	"webtraffic/internal/buckets"
)

// StoreWriter persists a batch as per-minute increments of the minute buckets.
type StoreWriter struct {
	store *buckets.Store
}

func NewStoreWriter(store *buckets.Store) *StoreWriter {
	return &StoreWriter{store: store}
}

func (w *StoreWriter) WriteBatch(ctx context.Context, events []Event) error {
	return w.store.AddMinuteCounts(ctx, MinuteCounts(events))
}

// MinuteCounts groups events by the UTC minute they happened in.
func MinuteCounts(events []Event) map[time.Time]int64 {
	counts := make(map[time.Time]int64)
	for _, ev := range events {
		counts[ev.Timestamp.UTC().Truncate(time.Minute)]++
	}
	return counts
}
