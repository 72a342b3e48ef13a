package rollup

import "time"

// HourlyRollup is the persisted hourly tier.
type HourlyRollup struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SiteID      uint      `gorm:"uniqueIndex:idx_rollup_hourly_site_bucket,priority:1;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_rollup_hourly_site_bucket,priority:2;index;not null"`
	Metrics     `gorm:"embedded"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (HourlyRollup) TableName() string { return HourlyTable }

// DailyRollup is the persisted daily tier.
type DailyRollup struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SiteID      uint      `gorm:"uniqueIndex:idx_rollup_daily_site_bucket,priority:1;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_rollup_daily_site_bucket,priority:2;index;not null"`
	Metrics     `gorm:"embedded"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DailyRollup) TableName() string { return DailyTable }

// MonthlyRollup is the persisted monthly tier.
type MonthlyRollup struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SiteID      uint      `gorm:"uniqueIndex:idx_rollup_monthly_site_bucket,priority:1;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_rollup_monthly_site_bucket,priority:2;index;not null"`
	Metrics     `gorm:"embedded"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (MonthlyRollup) TableName() string { return MonthlyTable }

// AppliedDelta records a delta batch that has been merged, so a retried
// writer cannot merge it twice.
type AppliedDelta struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	DeltaID   string `gorm:"uniqueIndex;size:191;not null"`
	Buckets   int
	CreatedAt time.Time
}

func (AppliedDelta) TableName() string { return "rollup_applied_deltas" }

// Models lists the rollup tables for migration.
func Models() []any {
	return []any{&HourlyRollup{}, &DailyRollup{}, &MonthlyRollup{}, &AppliedDelta{}}
}

// Row is a rollup row of any tier.
type Row struct {
	ID          uint
	SiteID      uint
	BucketStart time.Time
	Metrics     `gorm:"embedded"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
