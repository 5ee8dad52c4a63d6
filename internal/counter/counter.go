// Package counter implements the fast counter store: low-latency expiring
// counters for today, the current ISO week and the current minute. Values may
// run ahead of durable storage until the buffered hits are flushed, or behind
// it after eviction; reconciliation brings them back in line.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webtraffic/internal/timeframe"
)

// ErrNotReady is returned by Ready when the backend cannot be reached in time.
var ErrNotReady = errors.New("counter store not ready")

// Kind selects the expiry class of a key.
type Kind string

const (
	KindDay    Kind = "day"
	KindWeek   Kind = "week"
	KindMinute Kind = "minute"
)

// Key identifies one fast counter.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("webtraffic:%s:%s", k.Kind, k.ID)
}

// DayKey is the counter of the calendar date containing t.
func DayKey(t time.Time, loc *time.Location) Key {
	return Key{Kind: KindDay, ID: timeframe.DateKey(t, loc)}
}

// WeekKey is the counter of the ISO week containing t.
func WeekKey(t time.Time, loc *time.Location) Key {
	return Key{Kind: KindWeek, ID: timeframe.WeekOf(t, loc).String()}
}

// MinuteKey is the counter of the minute containing t.
func MinuteKey(t time.Time, loc *time.Location) Key {
	return Key{Kind: KindMinute, ID: timeframe.MinuteKey(t, loc)}
}

// TTLs are the expiries applied on every write.
type TTLs struct {
	// Day applies to day and week keys.
	Day    time.Duration
	Minute time.Duration
}

// DefaultTTLs keeps daily counters for 8 days and minute counters for 2 hours.
var DefaultTTLs = TTLs{Day: 8 * 24 * time.Hour, Minute: 2 * time.Hour}

// For returns the expiry of keys of the given kind.
func (t TTLs) For(kind Kind) time.Duration {
	if kind == KindMinute {
		return t.Minute
	}
	return t.Day
}

// Store is an atomic keyed counter with per-kind expiry.
type Store interface {
	// Increment adds amount to key and returns the new value. Concurrent
	// increments of one key are never lost.
	Increment(ctx context.Context, key Key, amount int64) (int64, error)
	// Get returns the value of key, or 0 when absent or expired.
	Get(ctx context.Context, key Key) (int64, error)
	// InitializeFromDurable raises key to durable when it is currently lower and
	// returns the resulting value. A higher value is left untouched.
	InitializeFromDurable(ctx context.Context, key Key, durable int64) (int64, error)
	// SyncFromDurable overwrites key with durable unconditionally.
	SyncFromDurable(ctx context.Context, key Key, durable int64) error
	// Ready blocks until the backend answers or ctx is done.
	Ready(ctx context.Context) error
	Close() error
}
