package counter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/testsupport"
)

// storesUnderTest returns the memory store and, when WEBTRAFFIC_TEST_MEMCACHE
// names a reachable server, a memcache store.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore(DefaultTTLs)}

	if servers := os.Getenv("WEBTRAFFIC_TEST_MEMCACHE"); servers != "" {
		mc := NewMemcacheStore(servers, DefaultTTLs, testsupport.GetLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mc.Ready(ctx))
		stores["memcache"] = mc
	}

	for _, s := range stores {
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

// uniqueKey isolates runs against a shared memcached.
func uniqueKey(kind Kind) Key {
	return Key{Kind: kind, ID: uuid.NewString()}
}

func TestIncrementIsAtomicUnderConcurrency(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		for _, k := range []int{1, 10, 1000} {
			t.Run(fmt.Sprintf("%s/K=%d", name, k), func(t *testing.T) {
				ctx := context.Background()
				key := uniqueKey(KindDay)

				var wg sync.WaitGroup
				for i := 0; i < k; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.Increment(ctx, key, 1)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				v, err := store.Get(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, int64(k), v)
			})
		}
	}
}

func TestIncrementReturnsNewValue(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := uniqueKey(KindMinute)

			v, err := store.Increment(ctx, key, 3)
			require.NoError(t, err)
			assert.Equal(t, int64(3), v)

			v, err = store.Increment(ctx, key, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(5), v)
		})
	}
}

func TestGetMissingKeyIsZero(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			v, err := store.Get(context.Background(), uniqueKey(KindWeek))
			require.NoError(t, err)
			assert.Zero(t, v)
		})
	}
}

func TestInitializeFromDurableNeverLowers(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Absent key takes the durable floor.
			key := uniqueKey(KindDay)
			v, err := store.InitializeFromDurable(ctx, key, 40)
			require.NoError(t, err)
			assert.Equal(t, int64(40), v)

			// F < D raises to D.
			_, err = store.Increment(ctx, key, 1)
			require.NoError(t, err)
			v, err = store.InitializeFromDurable(ctx, key, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(50), v)

			// F >= D keeps F.
			_, err = store.Increment(ctx, key, 7)
			require.NoError(t, err)
			v, err = store.InitializeFromDurable(ctx, key, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(57), v)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(57), got)
		})
	}
}

func TestSyncFromDurableOverwrites(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := uniqueKey(KindDay)

			_, err := store.Increment(ctx, key, 100)
			require.NoError(t, err)

			require.NoError(t, store.SyncFromDurable(ctx, key, 60))
			v, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(60), v)

			// Increments continue from the synced value.
			v, err = store.Increment(ctx, key, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(61), v)
		})
	}
}

func TestMemoryStoreExpiresPerKind(t *testing.T) {
	store := NewMemoryStore(TTLs{Day: time.Hour, Minute: 30 * time.Millisecond})
	defer store.Close()
	ctx := context.Background()

	day := Key{Kind: KindDay, ID: "2026-10-18"}
	minute := Key{Kind: KindMinute, ID: "2026-10-18T10:00"}
	_, err := store.Increment(ctx, day, 1)
	require.NoError(t, err)
	_, err = store.Increment(ctx, minute, 1)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	v, err := store.Get(ctx, minute)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = store.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestKeysFollowCalendar(t *testing.T) {
	ts := time.Date(2024, time.December, 31, 23, 59, 30, 0, time.UTC)

	assert.Equal(t, "webtraffic:day:2024-12-31", DayKey(ts, time.UTC).String())
	assert.Equal(t, "webtraffic:week:2025-W01", WeekKey(ts, time.UTC).String())
	assert.Equal(t, "webtraffic:minute:2024-12-31T23:59", MinuteKey(ts, time.UTC).String())
	assert.Equal(t, DefaultTTLs.Day, DefaultTTLs.For(KindWeek))
	assert.Equal(t, 2*time.Hour, DefaultTTLs.For(KindMinute))
}
