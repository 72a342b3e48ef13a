package events

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Kind distinguishes page views from custom events.
type Kind int

const (
	KindPageView    Kind = 1
	KindCustomEvent Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPageView:
		return "pageview"
	case KindCustomEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Properties is the opaque key-value payload of a custom event.
type Properties map[string]any

// Scan implements sql.Scanner.
func (p *Properties) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal properties value:", value))
	}
	if len(raw) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(raw, p)
}

// Value implements driver.Valuer.
func (p Properties) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// RawEvent is one tracked page view or custom event. Rows are immutable and
// only removed by retention once their hour has been rolled up.
type RawEvent struct {
	ID                uint       `gorm:"primaryKey;autoIncrement"`
	SiteID            uint       `gorm:"index:idx_raw_events_site_time,priority:1;not null"`
	SessionID         string     `gorm:"index;size:64;not null"`
	OccurredAt        time.Time  `gorm:"index:idx_raw_events_site_time,priority:2;not null"`
	Kind              Kind       `gorm:"not null;default:1"`
	URL               string     `gorm:"not null"`
	Referrer          *string    // nil means direct
	DeviceType        string
	Browser           string
	OS                string
	ScreenResolution  *string
	IsBounce          bool
	TimeOnPageSeconds *int
	EventName         string     `gorm:"index"`
	Properties        Properties `gorm:"type:text"`
	CreatedAt         time.Time
}

// TableName pins the table name.
func (RawEvent) TableName() string {
	return "raw_events"
}
