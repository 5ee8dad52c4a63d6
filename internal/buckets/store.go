package buckets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"webtraffic/internal/timeframe"
)

// AggregateResult reports the outcome of one parent recomputation.
type AggregateResult struct {
	Count int64
	// Skipped is set when the parent had no child rows; the parent row is left untouched.
	Skipped bool
}

type childSum struct {
	RowCount int64
	Total    int64
}

// Store reads and writes the bucket tables through the shared connection pool.
type Store struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	loc       *time.Location
}

// NewStore creates a Store computing calendar keys in loc.
func NewStore(dbManager cartridge.DBManager, logger *slog.Logger, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{dbManager: dbManager, logger: logger, loc: loc}
}

// Location returns the timezone used for calendar keys.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	db := s.dbManager.GetConnection()
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	return db.WithContext(ctx), nil
}

// AddMinuteCounts adds the given per-minute counts in a single transaction.
// Keys are truncated to the minute; duplicate keys after truncation are summed.
func (s *Store) AddMinuteCounts(ctx context.Context, counts map[time.Time]int64) error {
	if len(counts) == 0 {
		return nil
	}

	merged := make(map[time.Time]int64, len(counts))
	for ts, n := range counts {
		merged[ts.UTC().Truncate(time.Minute)] += n
	}

	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO minute_buckets (minute, "count", created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (minute) DO UPDATE SET
			"count" = minute_buckets."count" + excluded."count",
			updated_at = excluded.updated_at
	`
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		for minute, n := range merged {
			if err := tx.Exec(query, minute, n, now, now).Error; err != nil {
				return fmt.Errorf("failed to upsert minute %s: %w", minute.Format(time.RFC3339), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store minute counts: %w", err)
	}
	return nil
}

func sumRange(tx *gorm.DB, table, column string, from, to any) (childSum, error) {
	var sum childSum
	query := fmt.Sprintf(`SELECT COUNT(*) AS row_count, COALESCE(SUM("count"), 0) AS total FROM %s WHERE %s >= ? AND %s < ?`, table, column, column)
	if err := tx.Raw(query, from, to).Scan(&sum).Error; err != nil {
		return childSum{}, fmt.Errorf("failed to sum %s: %w", table, err)
	}
	return sum, nil
}

// AggregateHour recomputes the hour bucket starting at hourStart from its
// minutes plus the counts already folded in from pruned minutes.
func (s *Store) AggregateHour(ctx context.Context, hourStart time.Time) (AggregateResult, error) {
	start, end := timeframe.Range(hourStart, timeframe.Hour, s.loc)

	db, err := s.conn(ctx)
	if err != nil {
		return AggregateResult{}, err
	}

	var result AggregateResult
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		sum, err := sumRange(tx, "minute_buckets", "minute", start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		if sum.RowCount == 0 {
			result = AggregateResult{Skipped: true}
			return nil
		}

		var pruned int64
		err = tx.Raw(`SELECT COALESCE(MAX(pruned), 0) FROM hour_buckets WHERE hour = ?`, start.UTC()).Scan(&pruned).Error
		if err != nil {
			return fmt.Errorf("failed to read pruned hour count: %w", err)
		}
		total := pruned + sum.Total

		now := time.Now().UTC()
		err = tx.Exec(`
			INSERT INTO hour_buckets (hour, "count", pruned, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT (hour) DO UPDATE SET
				"count" = excluded."count",
				updated_at = excluded.updated_at
		`, start.UTC(), total, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert hour bucket: %w", err)
		}
		result = AggregateResult{Count: total}
		return nil
	})
	return result, err
}

// AggregateDay recomputes the day bucket of the date containing day from its hours.
func (s *Store) AggregateDay(ctx context.Context, day time.Time) (AggregateResult, error) {
	start, end := timeframe.Range(day, timeframe.Day, s.loc)

	db, err := s.conn(ctx)
	if err != nil {
		return AggregateResult{}, err
	}

	var result AggregateResult
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		sum, err := sumRange(tx, "hour_buckets", "hour", start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		if sum.RowCount == 0 {
			result = AggregateResult{Skipped: true}
			return nil
		}

		now := time.Now().UTC()
		err = tx.Exec(`
			INSERT INTO day_buckets (date, day_name, "count", created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (date) DO UPDATE SET
				"count" = excluded."count",
				day_name = excluded.day_name,
				updated_at = excluded.updated_at
		`, start.Format(timeframe.DateLayout), timeframe.DayName(start, s.loc), sum.Total, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert day bucket: %w", err)
		}
		result = AggregateResult{Count: sum.Total}
		return nil
	})
	return result, err
}

// AggregateWeek recomputes the ISO week bucket from its day buckets.
func (s *Store) AggregateWeek(ctx context.Context, week timeframe.ISOWeek) (AggregateResult, error) {
	start := week.Start(s.loc)
	end := timeframe.Next(start, timeframe.Week)

	db, err := s.conn(ctx)
	if err != nil {
		return AggregateResult{}, err
	}

	var result AggregateResult
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		sum, err := sumRange(tx, "day_buckets", "date", start.Format(timeframe.DateLayout), end.Format(timeframe.DateLayout))
		if err != nil {
			return err
		}
		if sum.RowCount == 0 {
			result = AggregateResult{Skipped: true}
			return nil
		}

		now := time.Now().UTC()
		err = tx.Exec(`
			INSERT INTO week_buckets (year, week, start_date, "count", created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (year, week) DO UPDATE SET
				"count" = excluded."count",
				start_date = excluded.start_date,
				updated_at = excluded.updated_at
		`, week.Year, week.Week, start.Format(timeframe.DateLayout), sum.Total, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert week bucket: %w", err)
		}
		result = AggregateResult{Count: sum.Total}
		return nil
	})
	return result, err
}

// AggregateMonth recomputes the month bucket from its day buckets.
func (s *Store) AggregateMonth(ctx context.Context, month timeframe.YearMonth) (AggregateResult, error) {
	start := month.Start(s.loc)
	end := timeframe.Next(start, timeframe.Month)

	db, err := s.conn(ctx)
	if err != nil {
		return AggregateResult{}, err
	}

	var result AggregateResult
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		sum, err := sumRange(tx, "day_buckets", "date", start.Format(timeframe.DateLayout), end.Format(timeframe.DateLayout))
		if err != nil {
			return err
		}
		if sum.RowCount == 0 {
			result = AggregateResult{Skipped: true}
			return nil
		}

		now := time.Now().UTC()
		err = tx.Exec(`
			INSERT INTO month_buckets (year, month, "count", created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (year, month) DO UPDATE SET
				"count" = excluded."count",
				updated_at = excluded.updated_at
		`, month.Year, int(month.Month), sum.Total, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert month bucket: %w", err)
		}
		result = AggregateResult{Count: sum.Total}
		return nil
	})
	return result, err
}

// MinuteTotal sums the minute buckets in [from, to).
func (s *Store) MinuteTotal(ctx context.Context, from, to time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	sum, err := sumRange(db, "minute_buckets", "minute", from.UTC(), to.UTC())
	if err != nil {
		return 0, err
	}
	return sum.Total, nil
}

// DurableDayTotal returns the best durable count for the date containing day:
// the largest of the day bucket, its hour buckets and its minute buckets.
// Children may be ahead of a stale parent, and a parent may outlive pruned children.
func (s *Store) DurableDayTotal(ctx context.Context, day time.Time) (int64, error) {
	start, end := timeframe.Range(day, timeframe.Day, s.loc)

	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var dayCount int64
	err = db.Raw(`SELECT COALESCE(MAX("count"), 0) FROM day_buckets WHERE date = ?`, start.Format(timeframe.DateLayout)).
		Scan(&dayCount).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read day bucket: %w", err)
	}

	hours, err := sumRange(db, "hour_buckets", "hour", start.UTC(), end.UTC())
	if err != nil {
		return 0, err
	}
	minutes, err := sumRange(db, "minute_buckets", "minute", start.UTC(), end.UTC())
	if err != nil {
		return 0, err
	}

	return max(dayCount, hours.Total, minutes.Total), nil
}

// WeekBucketCount returns the stored count of an ISO week bucket, 0 when absent.
func (s *Store) WeekBucketCount(ctx context.Context, week timeframe.ISOWeek) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Raw(`SELECT COALESCE(MAX("count"), 0) FROM week_buckets WHERE year = ? AND week = ?`, week.Year, week.Week).
		Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read week bucket: %w", err)
	}
	return count, nil
}

// HourlyBreakdown returns 24 rows, one per local hour of the date containing day.
func (s *Store) HourlyBreakdown(ctx context.Context, day time.Time) ([]HourCount, error) {
	start, end := timeframe.Range(day, timeframe.Day, s.loc)

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []HourBucket
	if err := db.Where("hour >= ? AND hour < ?", start.UTC(), end.UTC()).Order("hour").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read hour buckets: %w", err)
	}

	breakdown := make([]HourCount, 24)
	for i := range breakdown {
		breakdown[i].Hour = i
	}
	for _, row := range rows {
		// A repeated wall-clock hour on a DST day folds into the same slot.
		breakdown[row.Hour.In(s.loc).Hour()].Count += row.Count
	}
	return breakdown, nil
}

// DayCounts returns the stored day bucket counts for the given dates; missing dates are absent.
func (s *Store) DayCounts(ctx context.Context, dates []string) (map[string]int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DayBucket
	if err := db.Where("date IN ?", dates).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read day buckets: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Date] = row.Count
	}
	return counts, nil
}

// RecentWeeks returns the n ISO weeks ending with the week of now, oldest first.
func (s *Store) RecentWeeks(ctx context.Context, now time.Time, n int) ([]WeekCount, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	weeks := make([]timeframe.ISOWeek, n)
	w := timeframe.WeekOf(now, s.loc)
	for i := n - 1; i >= 0; i-- {
		weeks[i] = w
		w = w.Prev(s.loc)
	}

	var rows []WeekBucket
	if err := db.Where("start_date >= ?", weeks[0].Start(s.loc).Format(timeframe.DateLayout)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read week buckets: %w", err)
	}
	stored := make(map[timeframe.ISOWeek]int64, len(rows))
	for _, row := range rows {
		stored[timeframe.ISOWeek{Year: row.Year, Week: row.Week}] = row.Count
	}

	result := make([]WeekCount, 0, n)
	for _, week := range weeks {
		result = append(result, WeekCount{
			Year:      week.Year,
			Week:      week.Week,
			StartDate: week.Start(s.loc).Format(timeframe.DateLayout),
			Count:     stored[week],
		})
	}
	return result, nil
}

// RecentMonths returns the n calendar months ending with the month of now, oldest first.
func (s *Store) RecentMonths(ctx context.Context, now time.Time, n int) ([]MonthCount, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	months := make([]timeframe.YearMonth, n)
	m := timeframe.MonthOf(now, s.loc)
	for i := n - 1; i >= 0; i-- {
		months[i] = m
		m = m.Prev(s.loc)
	}

	var rows []MonthBucket
	first := months[0]
	if err := db.Where("year * 100 + month >= ?", first.Year*100+int(first.Month)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read month buckets: %w", err)
	}
	stored := make(map[timeframe.YearMonth]int64, len(rows))
	for _, row := range rows {
		stored[timeframe.YearMonth{Year: row.Year, Month: time.Month(row.Month)}] = row.Count
	}

	result := make([]MonthCount, 0, n)
	for _, month := range months {
		result = append(result, MonthCount{Year: month.Year, Month: int(month.Month), Count: stored[month]})
	}
	return result, nil
}

// PruneMinutes deletes minute buckets older than cutoff in batches and returns
// the number removed. The counts of every deleted row are first folded into
// the pruned column of its hour bucket, so a later re-aggregation of that hour
// (a backfilled hit, say) adds to the earlier total instead of replacing it.
func (s *Store) PruneMinutes(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	const batchSize = 1000
	var totalDeleted int64
	for {
		var deleted int64
		err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
			var rows []MinuteBucket
			err := tx.Where("minute < ?", cutoff.UTC()).Order("id").Limit(batchSize).Find(&rows).Error
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				deleted = 0
				return nil
			}

			perHour := make(map[time.Time]int64)
			ids := make([]uint, 0, len(rows))
			for _, row := range rows {
				perHour[timeframe.Truncate(row.Minute, timeframe.Hour, s.loc).UTC()] += row.Count
				ids = append(ids, row.ID)
			}

			now := time.Now().UTC()
			for hour, n := range perHour {
				err := tx.Exec(`
					INSERT INTO hour_buckets (hour, "count", pruned, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (hour) DO UPDATE SET
						pruned = hour_buckets.pruned + excluded.pruned,
						"count" = MAX(hour_buckets."count", hour_buckets.pruned + excluded.pruned),
						updated_at = excluded.updated_at
				`, hour, n, n, now, now).Error
				if err != nil {
					return fmt.Errorf("failed to fold pruned minutes into hour %s: %w", hour.Format(time.RFC3339), err)
				}
			}

			result := tx.Exec(`DELETE FROM minute_buckets WHERE id IN ?`, ids)
			deleted = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to prune minute buckets: %w", err)
		}
		totalDeleted += deleted
		if deleted < batchSize {
			return totalDeleted, nil
		}
	}
}
