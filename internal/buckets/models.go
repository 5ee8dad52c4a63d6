// Package buckets holds the durable aggregate tables and the store that
// maintains them.
//
// Minute buckets are additive: every flushed batch increments them. Every
// coarser bucket is derived by summing its children and overwriting the
// parent row, so re-running an aggregation is always safe.
package buckets

import (
	"time"
)

// MinuteBucket counts hits within one minute. Minute holds the UTC instant of
// the minute start.
type MinuteBucket struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Minute    time.Time `gorm:"uniqueIndex:idx_minute_unique;type:datetime;not null"`
	Count     int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HourBucket is the sum of the minute buckets inside one hour. Pruned carries
// the counts of minute rows already deleted by retention cleanup, so Count is
// always Pruned plus the remaining minutes.
type HourBucket struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Hour      time.Time `gorm:"uniqueIndex:idx_hour_unique;type:datetime;not null"`
	Count     int64     `gorm:"not null;default:0"`
	Pruned    int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DayBucket is the sum of the hour buckets of one calendar date.
type DayBucket struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Date      string `gorm:"uniqueIndex:idx_day_unique;size:10;not null"`
	DayName   string `gorm:"size:9;not null"`
	Count     int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WeekBucket is the sum of the day buckets of one ISO week.
type WeekBucket struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Year      int    `gorm:"uniqueIndex:idx_week_unique;not null"`
	Week      int    `gorm:"uniqueIndex:idx_week_unique;not null"`
	StartDate string `gorm:"size:10;not null"`
	Count     int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MonthBucket is the sum of the day buckets of one calendar month.
type MonthBucket struct {
	ID        uint  `gorm:"primaryKey;autoIncrement"`
	Year      int   `gorm:"uniqueIndex:idx_month_unique;not null"`
	Month     int   `gorm:"uniqueIndex:idx_month_unique;not null"`
	Count     int64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Models lists every table the store needs migrated.
func Models() []any {
	return []any{
		&MinuteBucket{},
		&HourBucket{},
		&DayBucket{},
		&WeekBucket{},
		&MonthBucket{},
	}
}

// HourCount is one row of an hourly breakdown.
type HourCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// DayCount is one row of a daily series.
type DayCount struct {
	Date    string `json:"date"`
	DayName string `json:"dayName"`
	Count   int64  `json:"count"`
}

// WeekCount is one row of the trailing weekly series.
type WeekCount struct {
	Year      int    `json:"year"`
	Week      int    `json:"week"`
	StartDate string `json:"startDate"`
	Count     int64  `json:"count"`
}

// MonthCount is one row of the trailing monthly series.
type MonthCount struct {
	Year  int   `json:"year"`
	Month int   `json:"month"`
	Count int64 `json:"count"`
}
