package rollup

import (
	"fmt"
	"time"

	"tallystat/internal/config"
)

// Tier is the per-granularity strategy: where rows live, how wide their top
// lists are and how long they are cached and kept. Tiers are resolved once
// from configuration and then looked up by Granularity.
type Tier struct {
	Granularity Granularity
	Table       string
	TopK        int
	// MergeBound is how many entries a stored top list keeps while deltas
	// are merged into the row. Reads cut it back to TopK.
	MergeBound  int
	CacheTTL    time.Duration
	Retention   time.Duration
}

// Tiers holds one Tier per granularity.
type Tiers struct {
	byGranularity map[Granularity]Tier
}

// Table names for each tier.
const (
	HourlyTable  = "rollup_hourly"
	DailyTable   = "rollup_daily"
	MonthlyTable = "rollup_monthly"
)

// NewTiers resolves the tier strategies from configuration.
func NewTiers(cfg *config.Config) Tiers {
	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	bound := func(k int) int { return max(k, cfg.AccumulatorBound) }
	return Tiers{byGranularity: map[Granularity]Tier{
		Hour: {
			Granularity: Hour,
			Table:       HourlyTable,
			TopK:        cfg.TopKHourly,
			MergeBound:  bound(cfg.TopKHourly),
			CacheTTL:    secs(cfg.CacheHourlyTTLSeconds),
			Retention:   days(cfg.HourlyRetentionDays),
		},
		Day: {
			Granularity: Day,
			Table:       DailyTable,
			TopK:        cfg.TopKDaily,
			MergeBound:  bound(cfg.TopKDaily),
			CacheTTL:    secs(cfg.CacheDailyTTLSeconds),
			Retention:   days(cfg.DailyRetentionDays),
		},
		Month: {
			Granularity: Month,
			Table:       MonthlyTable,
			TopK:        cfg.TopKMonthly,
			MergeBound:  bound(cfg.TopKMonthly),
			CacheTTL:    secs(cfg.CacheMonthlyTTLSeconds),
			Retention:   days(cfg.MonthlyRetentionDays),
		},
	}}
}

// For returns the tier of a granularity. It panics on an unknown value,
// which can only come from a programming error.
func (t Tiers) For(g Granularity) Tier {
	tier, ok := t.byGranularity[g]
	if !ok {
		panic(fmt.Sprintf("rollup: no tier for %s", g))
	}
	return tier
}
