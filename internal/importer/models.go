// Package importer bulk-loads Umami SQL dumps into the rollup tables.
package importer

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Job statuses. A job moves from submitted to processing while the dump is
// analyzed, then through dispatching and processing_chunks unless it is a
// dry run.
const (
	StatusSubmitted        = "submitted"
	StatusProcessing       = "processing"
	StatusDispatching      = "dispatching"
	StatusProcessingChunks = "processing_chunks"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// SourceUmami is the only supported dump format.
const SourceUmami = "umami"

// Details is free-form job metadata stored as JSON.
type Details map[string]any

// Scan implements sql.Scanner.
func (d *Details) Scan(value any) error {
	if value == nil {
		*d = Details{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal details value:", value))
	}
	if len(raw) == 0 {
		*d = Details{}
		return nil
	}
	out := Details{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ImportJob tracks one submitted dump from upload to completion. Counters
// are only ever incremented, so chunks may report in any order.
type ImportJob struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	PublicID          string `gorm:"uniqueIndex;size:36;not null"`
	SourceType        string `gorm:"size:32;not null"`
	FileName          string
	FilePath          string
	DryRun            bool
	Status            string `gorm:"index;size:32;not null"`
	TotalChunks       int
	ChunksProcessed   int
	ChunksFailed      int
	PageViewsImported int64
	EventsImported    int64
	RowsSkipped       int64
	SitesCreated      int
	SitesUpdated      int
	FirstEventAt      *time.Time
	LastEventAt       *time.Time
	FinalizedAt       *time.Time
	Summary           string
	Error             string
	Details           Details `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (ImportJob) TableName() string { return "import_jobs" }

// Terminal reports whether the job reached completed or failed.
func (j *ImportJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Progress is the share of chunks finished, from 0 to 100.
func (j *ImportJob) Progress() float64 {
	if j.TotalChunks == 0 {
		if j.Terminal() {
			return 100
		}
		return 0
	}
	done := j.ChunksProcessed + j.ChunksFailed
	return float64(int(float64(done)/float64(j.TotalChunks)*1000)) / 10
}

// SessionRecord is a session row of a dump, indexed so chunks can resolve
// the device, browser and OS of events whose session sits outside their
// range.
type SessionRecord struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	JobID             uint   `gorm:"uniqueIndex:idx_import_sessions_job_external,priority:1;not null"`
	ExternalID        string `gorm:"uniqueIndex:idx_import_sessions_job_external,priority:2;size:64;not null"`
	WebsiteExternalID string `gorm:"size:64"`
	DeviceType        string
	Browser           string
	OS                string
	Screen            string
	Country           string
}

func (SessionRecord) TableName() string { return "import_sessions" }

// ChunkRecord marks a chunk as finished, so a chunk reported twice is only
// counted once.
type ChunkRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	JobID       uint   `gorm:"uniqueIndex:idx_import_chunks_job_chunk,priority:1;not null"`
	ChunkIndex  int    `gorm:"uniqueIndex:idx_import_chunks_job_chunk,priority:2;not null"`
	Status      string `gorm:"size:32;not null"`
	PageViews   int64
	Events      int64
	RowsSkipped int64
	Error       string
	CreatedAt   time.Time
}

func (ChunkRecord) TableName() string { return "import_chunks" }

// Models lists the importer tables for migration.
func Models() []any {
	return []any{&ImportJob{}, &SessionRecord{}, &ChunkRecord{}}
}
