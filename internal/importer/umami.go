package importer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tallystat/internal/dump"
)

// Umami export tables.
const (
	tableWebsite = "website"
	tableSession = "session"
	tableEvent   = "website_event"
)

// Event rows shorter than this are skipped as malformed.
const minEventColumns = 10

// pageViewType marks a page view in website_event.event_type.
const pageViewType = "1"

// columns resolves fields of a parsed statement by name, falling back to
// the position of the field in a stock Umami schema when the statement has
// no column list.
type columns struct {
	ins *dump.Insert
}

func (c columns) index(name string, pos int) int {
	if len(c.ins.Columns) == 0 {
		return pos
	}
	return c.ins.Column(name)
}

func (c columns) get(row []dump.Value, name string, pos int) (dump.Value, bool) {
	i := c.index(name, pos)
	if i < 0 || i >= len(row) {
		return dump.Value{Kind: dump.Null}, false
	}
	return row[i], true
}

func (c columns) text(row []dump.Value, name string, pos int) string {
	v, _ := c.get(row, name, pos)
	return strings.TrimSpace(v.String())
}

type umamiWebsite struct {
	ExternalID string
	Name       string
	Domain     string
}

func websiteRows(ins *dump.Insert) []umamiWebsite {
	c := columns{ins: ins}
	out := make([]umamiWebsite, 0, len(ins.Rows))
	for _, row := range ins.Rows {
		w := umamiWebsite{
			ExternalID: c.text(row, "website_id", 0),
			Name:       c.text(row, "name", 1),
			Domain:     c.text(row, "domain", 2),
		}
		if w.ExternalID == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func sessionRows(jobID uint, ins *dump.Insert) []SessionRecord {
	c := columns{ins: ins}
	out := make([]SessionRecord, 0, len(ins.Rows))
	for _, row := range ins.Rows {
		id := c.text(row, "session_id", 0)
		if id == "" {
			continue
		}
		out = append(out, SessionRecord{
			JobID:             jobID,
			ExternalID:        id,
			WebsiteExternalID: c.text(row, "website_id", 1),
			Browser:           c.text(row, "browser", 2),
			OS:                c.text(row, "os", 3),
			DeviceType:        normalizeDevice(c.text(row, "device", 4)),
			Screen:            c.text(row, "screen", 5),
			Country:           c.text(row, "country", 7),
		})
	}
	return out
}

// normalizeDevice folds Umami's device classes onto the ones recorded live.
func normalizeDevice(device string) string {
	switch d := strings.ToLower(device); d {
	case "laptop":
		return "desktop"
	default:
		return d
	}
}

type umamiEvent struct {
	WebsiteID      string
	SessionID      string
	CreatedAt      time.Time
	URLPath        string
	ReferrerDomain string
	EventType      string
	EventName      string
}

// PageView reports whether the row is a page view rather than a custom
// event.
func (e umamiEvent) PageView() bool {
	return e.EventType == pageViewType
}

// URL is the page path. The query string is dropped so imported pages
// rank alongside live ones, which are recorded without it.
func (e umamiEvent) URL() string {
	return e.URLPath
}

func eventRow(c columns, row []dump.Value) (umamiEvent, error) {
	if len(row) < minEventColumns {
		return umamiEvent{}, fmt.Errorf("row has %d values, want at least %d", len(row), minEventColumns)
	}
	ev := umamiEvent{
		WebsiteID:      c.text(row, "website_id", 1),
		SessionID:      c.text(row, "session_id", 2),
		URLPath:        c.text(row, "url_path", 4),
		ReferrerDomain: c.text(row, "referrer_domain", 8),
		EventType:      c.text(row, "event_type", 10),
		EventName:      c.text(row, "event_name", 11),
	}
	if ev.WebsiteID == "" {
		return umamiEvent{}, errors.New("row has no website id")
	}
	created, err := parseTimestamp(c.text(row, "created_at", 3))
	if err != nil {
		return umamiEvent{}, err
	}
	ev.CreatedAt = created
	if ev.URLPath == "" {
		ev.URLPath = "/"
	}
	return ev, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// parseTimestamp reads MySQL and PostgreSQL export timestamps as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("row has no timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
