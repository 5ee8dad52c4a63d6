package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/buckets"
	"webtraffic/internal/counter"
	"webtraffic/internal/reconcile"
	"webtraffic/internal/testsupport"
	"webtraffic/internal/timeframe"
)

func setup(t *testing.T) (*buckets.Store, *counter.MemoryStore, *reconcile.Reconciler) {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	testsupport.CleanAllTables(dbManager.GetConnection())

	store := buckets.NewStore(dbManager, logger, time.UTC)
	counters := counter.NewMemoryStore(counter.DefaultTTLs)
	t.Cleanup(func() { counters.Close() })

	return store, counters, reconcile.New(store, counters, logger, time.UTC, 7)
}

func TestInitializeRaisesCountersToDurableFloor(t *testing.T) {
	store, counters, rec := setup(t)
	ctx := context.Background()

	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC) // Thursday
	yesterday := now.AddDate(0, 0, -1)
	require.NoError(t, store.AddMinuteCounts(ctx, map[time.Time]int64{
		now.Add(-time.Hour): 10,
		yesterday:           4,
	}))

	// Counter already ahead of durable storage keeps its value.
	_, err := counters.Increment(ctx, counter.DayKey(now, time.UTC), 12)
	require.NoError(t, err)

	report, err := rec.Initialize(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ModeInitialize, report.Mode)
	assert.Len(t, report.Days, 7)
	assert.Equal(t, int64(12), report.Days["2026-10-15"])
	assert.Equal(t, int64(4), report.Days["2026-10-14"])
	assert.Equal(t, int64(14), report.Week)

	today, err := counters.Get(ctx, counter.DayKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(12), today)

	prev, err := counters.Get(ctx, counter.DayKey(yesterday, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(4), prev)
}

func TestResyncOverwritesCounters(t *testing.T) {
	store, counters, rec := setup(t)
	ctx := context.Background()

	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AddMinuteCounts(ctx, map[time.Time]int64{now.Add(-time.Minute): 3}))

	_, err := counters.Increment(ctx, counter.DayKey(now, time.UTC), 40)
	require.NoError(t, err)

	report, err := rec.Resync(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Days["2026-10-15"])

	today, err := counters.Get(ctx, counter.DayKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), today)

	week, err := counters.Get(ctx, counter.WeekKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), week)
}

func TestWeekUsesStoredBucketWhenLarger(t *testing.T) {
	store, counters, rec := setup(t)
	ctx := context.Background()

	monday := time.Date(2026, time.October, 12, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.AddMinuteCounts(ctx, map[time.Time]int64{monday: 6}))

	// A week row edited by hand outranks the sum of its days.
	week := timeframe.WeekOf(monday, time.UTC)
	require.NoError(t, testsupport.SetupTestDB(t).Create(&buckets.WeekBucket{
		Year:      week.Year,
		Week:      week.Week,
		StartDate: "2026-10-12",
		Count:     20,
	}).Error)

	now := time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)
	report, err := rec.Initialize(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(20), report.Week)

	got, err := counters.Get(ctx, counter.WeekKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)
}

type flakyDurable struct {
	failDate string
}

func (f flakyDurable) DurableDayTotal(_ context.Context, day time.Time) (int64, error) {
	if timeframe.DateKey(day, time.UTC) == f.failDate {
		return 0, errors.New("disk on fire")
	}
	return 1, nil
}

func (f flakyDurable) WeekBucketCount(context.Context, timeframe.ISOWeek) (int64, error) {
	return 0, nil
}

func TestPerDateFailuresDoNotStopOthers(t *testing.T) {
	counters := counter.NewMemoryStore(counter.DefaultTTLs)
	defer counters.Close()

	rec := reconcile.New(flakyDurable{failDate: "2026-10-13"}, counters, testsupport.GetLogger(), time.UTC, 7)
	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

	report, err := rec.Initialize(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-10-13")
	// The week spans the failing date too.
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, report.Days, 6)
	assert.Equal(t, int64(1), report.Days["2026-10-15"])
}
