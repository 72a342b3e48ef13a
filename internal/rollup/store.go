package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRowNotFound is returned by Read when a bucket has no row.
	ErrRowNotFound = errors.New("rollup row not found")
	// ErrDeltaAlreadyApplied is returned by ApplyBatch for a repeated delta id.
	ErrDeltaAlreadyApplied = errors.New("rollup delta already applied")
)

// Store persists rollup rows. Every mutation of a bucket happens inside one
// write transaction, so concurrent deltas for the same key are serialized
// and never overwrite each other's counts.
type Store struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	tiers     Tiers
}

// NewStore creates a rollup store.
func NewStore(dbManager cartridge.DBManager, logger *slog.Logger, tiers Tiers) *Store {
	return &Store{dbManager: dbManager, logger: logger, tiers: tiers}
}

// Tiers returns the tier strategies the store was built with.
func (s *Store) Tiers() Tiers {
	return s.tiers
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.dbManager.GetConnection().WithContext(ctx)
}

func (s *Store) scope(tx *gorm.DB, key Key) *gorm.DB {
	return tx.Table(s.tiers.For(key.Granularity).Table).
		Where("site_id = ? AND bucket_start = ?", key.SiteID, key.BucketStart.UTC())
}

// Exists reports whether the bucket has a row.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	var count int64
	if err := s.scope(s.conn(ctx), key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check rollup %s: %w", key, err)
	}
	return count > 0, nil
}

// Read returns the row of a bucket, or ErrRowNotFound. Top lists are cut to
// the tier's K.
func (s *Store) Read(ctx context.Context, key Key) (*Row, error) {
	var row Row
	err := s.scope(s.conn(ctx), key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rollup %s: %w", key, err)
	}
	row.BucketStart = row.BucketStart.UTC()
	row.Metrics = row.Metrics.Top(s.tiers.For(key.Granularity).TopK)
	return &row, nil
}

// ReadRange returns the rows of a site in [from, to), oldest first, with top
// lists cut to the tier's K.
func (s *Store) ReadRange(ctx context.Context, siteID uint, g Granularity, from, to time.Time) ([]Row, error) {
	var rows []Row
	err := s.conn(ctx).Table(s.tiers.For(g).Table).
		Where("site_id = ? AND bucket_start >= ? AND bucket_start < ?", siteID, from.UTC(), to.UTC()).
		Order("bucket_start").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rollups: %w", g, err)
	}
	k := s.tiers.For(g).TopK
	for i := range rows {
		rows[i].BucketStart = rows[i].BucketStart.UTC()
		rows[i].Metrics = rows[i].Metrics.Top(k)
	}
	return rows, nil
}

// SitesWithRows lists the sites having rows of a tier in [from, to).
func (s *Store) SitesWithRows(ctx context.Context, g Granularity, from, to time.Time) ([]uint, error) {
	var ids []uint
	err := s.conn(ctx).Table(s.tiers.For(g).Table).
		Where("bucket_start >= ? AND bucket_start < ?", from.UTC(), to.UTC()).
		Distinct().Order("site_id").Pluck("site_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sites with %s rollups: %w", g, err)
	}
	return ids, nil
}

// SiteCount is the number of rows and page views a site has in one tier.
type SiteCount struct {
	SiteID    uint
	Rows      int64 `gorm:"column:row_count"`
	PageViews int64
}

// CountsBySite returns row and page view totals per site for a tier.
func (s *Store) CountsBySite(ctx context.Context, g Granularity) ([]SiteCount, error) {
	var counts []SiteCount
	err := s.conn(ctx).Table(s.tiers.For(g).Table).
		Select("site_id, COUNT(*) AS row_count, COALESCE(SUM(page_views), 0) AS page_views").
		Group("site_id").Order("site_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count %s rollups: %w", g, err)
	}
	return counts, nil
}

// UpsertMerge inserts the delta as a new row, or adds it to the existing
// row: counts are summed and top lists merged. Stored lists keep up to the
// tier's MergeBound entries so the outcome does not depend on merge order
// while a bucket has no more distinct keys than that.
func (s *Store) UpsertMerge(ctx context.Context, d Delta) error {
	var rejected *IntegrityError
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		rejected = nil
		err := s.mergeTx(tx, d)
		// mergeTx writes nothing before rejecting a bucket.
		if errors.As(err, &rejected) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

func (s *Store) mergeTx(tx *gorm.DB, d Delta) error {
	key := NewKey(d.Key.SiteID, d.Key.Granularity, d.Key.BucketStart)
	tier := s.tiers.For(key.Granularity)
	if err := d.Metrics.Validate(); err != nil {
		return &IntegrityError{Key: key, Err: err}
	}

	now := time.Now().UTC()
	fresh, err := Metrics{}.Merge(d.Metrics, tier.MergeBound)
	if err != nil {
		return &IntegrityError{Key: key, Err: err}
	}
	row := Row{SiteID: key.SiteID, BucketStart: key.BucketStart, Metrics: fresh, CreatedAt: now, UpdatedAt: now}
	result := tx.Table(tier.Table).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to insert rollup %s: %w", key, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var existing Row
	if err := s.scope(tx, key).Take(&existing).Error; err != nil {
		return fmt.Errorf("failed to read rollup %s: %w", key, err)
	}
	merged, err := existing.Metrics.Merge(d.Metrics, tier.MergeBound)
	if err != nil {
		return &IntegrityError{Key: key, Err: err}
	}
	return s.writeMetrics(tx, tier.Table, existing.ID, merged, now)
}

func (s *Store) writeMetrics(tx *gorm.DB, table string, id uint, m Metrics, now time.Time) error {
	err := tx.Table(table).Where("id = ?", id).Updates(map[string]any{
		"page_views":      m.PageViews,
		"unique_visitors": m.UniqueVisitors,
		"events":          m.Events,
		"top_pages":       m.TopPages,
		"top_referrers":   m.TopReferrers,
		"devices":         m.Devices,
		"browsers":        m.Browsers,
		"oses":            m.OSes,
		"screen_sizes":    m.ScreenSizes,
		"updated_at":      now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update rollup row %d: %w", id, err)
	}
	return nil
}

// BatchResult reports what ApplyBatch merged.
type BatchResult struct {
	Applied  int
	Rejected []*IntegrityError
}

// ApplyBatch merges a batch of deltas and records deltaID in the same
// transaction. A batch whose id was already recorded is not merged again and
// ErrDeltaAlreadyApplied is returned. A bucket failing its integrity check
// is skipped and reported; the other buckets still commit.
func (s *Store) ApplyBatch(ctx context.Context, deltaID string, deltas []Delta) (BatchResult, error) {
	var result BatchResult
	alreadyApplied := false

	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		result = BatchResult{}
		alreadyApplied = false

		marker := AppliedDelta{DeltaID: deltaID, Buckets: len(deltas), CreatedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return fmt.Errorf("failed to record delta %s: %w", deltaID, res.Error)
		}
		if res.RowsAffected == 0 {
			alreadyApplied = true
			return nil
		}

		for _, d := range deltas {
			err := s.mergeTx(tx, d)
			var integrityErr *IntegrityError
			if errors.As(err, &integrityErr) {
				result.Rejected = append(result.Rejected, integrityErr)
				continue
			}
			if err != nil {
				return err
			}
			result.Applied++
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	if alreadyApplied {
		return BatchResult{}, ErrDeltaAlreadyApplied
	}

	for _, rejected := range result.Rejected {
		s.logger.Error("Rejected rollup delta",
			slog.String("delta_id", deltaID),
			slog.String("bucket", rejected.Key.String()),
			slog.Any("error", rejected.Err))
	}
	return result, nil
}

// IsApplied reports whether a delta id has been recorded.
func (s *Store) IsApplied(ctx context.Context, deltaID string) (bool, error) {
	var count int64
	if err := s.conn(ctx).Model(&AppliedDelta{}).Where("delta_id = ?", deltaID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check delta %s: %w", deltaID, err)
	}
	return count > 0, nil
}

// ForgetDeltas drops recorded delta ids starting with prefix.
func (s *Store) ForgetDeltas(ctx context.Context, prefix string) (int64, error) {
	var affected int64
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		res := tx.Where("delta_id LIKE ?", prefix+"%").Delete(&AppliedDelta{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to forget deltas %s: %w", prefix, err)
	}
	return affected, nil
}

// InsertIfAbsent writes the row only when the bucket has none. The boolean
// reports whether a row was written.
func (s *Store) InsertIfAbsent(ctx context.Context, key Key, m Metrics) (bool, error) {
	key = NewKey(key.SiteID, key.Granularity, key.BucketStart)
	if err := m.Validate(); err != nil {
		return false, &IntegrityError{Key: key, Err: err}
	}
	tier := s.tiers.For(key.Granularity)
	now := time.Now().UTC()
	row := Row{SiteID: key.SiteID, BucketStart: key.BucketStart, Metrics: m, CreatedAt: now, UpdatedAt: now}

	inserted := false
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		res := tx.Table(tier.Table).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		inserted = res.RowsAffected == 1
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert rollup %s: %w", key, err)
	}
	return inserted, nil
}

// Replace overwrites the bucket with m, creating the row when missing. Used by
// tiers derived from lower tiers, which are safe to recompute.
func (s *Store) Replace(ctx context.Context, key Key, m Metrics) error {
	key = NewKey(key.SiteID, key.Granularity, key.BucketStart)
	if err := m.Validate(); err != nil {
		return &IntegrityError{Key: key, Err: err}
	}
	tier := s.tiers.For(key.Granularity)
	now := time.Now().UTC()

	return sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		var existing Row
		err := s.scope(tx, key).Select("id").Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := Row{SiteID: key.SiteID, BucketStart: key.BucketStart, Metrics: m, CreatedAt: now, UpdatedAt: now}
			if err := tx.Table(tier.Table).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to insert rollup %s: %w", key, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read rollup %s: %w", key, err)
		}
		return s.writeMetrics(tx, tier.Table, existing.ID, m, now)
	})
}

// DeleteOlderThan removes rows of a tier whose bucket starts before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, g Granularity, cutoff time.Time) (int64, error) {
	var affected int64
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		res := tx.Exec("DELETE FROM "+s.tiers.For(g).Table+" WHERE bucket_start < ?", cutoff.UTC())
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s rollups: %w", g, err)
	}
	return affected, nil
}

// PruneCovered removes rows of tier g older than cutoff whose parent bucket
// already has a row, in batches of batchSize.
func (s *Store) PruneCovered(ctx context.Context, g Granularity, cutoff time.Time, batchSize int) (int64, error) {
	if _, ok := g.Parent(); !ok {
		return 0, fmt.Errorf("%s rollups have no parent tier", g)
	}
	table := s.tiers.For(g).Table
	covered := make(map[Key]bool)
	var lastID uint
	var total int64

	for {
		var rows []Row
		err := s.conn(ctx).Table(table).
			Select("id", "site_id", "bucket_start").
			Where("bucket_start < ? AND id > ?", cutoff.UTC(), lastID).
			Order("id").Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return total, fmt.Errorf("failed to scan %s rollups: %w", g, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		var ids []uint
		for _, r := range rows {
			lastID = r.ID
			parent, _ := NewKey(r.SiteID, g, r.BucketStart).Parent()
			ok, seen := covered[parent]
			if !seen {
				if ok, err = s.Exists(ctx, parent); err != nil {
					return total, err
				}
				covered[parent] = ok
			}
			if ok {
				ids = append(ids, r.ID)
			}
		}

		if len(ids) > 0 {
			var affected int64
			err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
				res := tx.Exec("DELETE FROM "+table+" WHERE id IN ?", ids)
				affected = res.RowsAffected
				return res.Error
			})
			if err != nil {
				return total, fmt.Errorf("failed to prune %s rollups: %w", g, err)
			}
			total += affected
		}

		if len(rows) < batchSize {
			return total, nil
		}
	}
}
