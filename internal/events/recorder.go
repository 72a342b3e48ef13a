package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tallystat/internal/pkg/user_agent"
	"tallystat/internal/sites"
)

// RecordInput describes one tracked hit from the live ingestion path.
type RecordInput struct {
	SiteID           uint
	SessionID        string
	Kind             Kind
	URL              string
	ReferrerURL      string
	UserAgent        string
	ScreenResolution string
	TimeOnPage       *int
	EventName        string
	Properties       Properties
	Timestamp        time.Time
}

// ErrBotTraffic is returned when a hit is dropped because it came from a bot.
var ErrBotTraffic = errors.New("bot traffic ignored")

// Recorder stores live hits as raw events.
type Recorder struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(dbManager cartridge.DBManager, logger *slog.Logger) *Recorder {
	return &Recorder{dbManager: dbManager, logger: logger}
}

// Record classifies the user agent, resolves the referrer and stores the hit.
// A page view is a bounce until another page view arrives in its session.
func (r *Recorder) Record(ctx context.Context, input RecordInput) (*RawEvent, error) {
	if input.SiteID == 0 {
		return nil, errors.New("site id is required")
	}
	if input.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if input.Kind != KindPageView && input.Kind != KindCustomEvent {
		return nil, fmt.Errorf("unsupported event kind: %d", input.Kind)
	}
	if input.Kind == KindCustomEvent && input.EventName == "" {
		return nil, errors.New("custom events require a name")
	}

	ua := user_agent.Classify(input.UserAgent)
	if ua.Bot {
		r.logger.Debug("Skipping bot hit", slog.String("user_agent", input.UserAgent))
		return nil, ErrBotTraffic
	}

	host, path, err := splitURL(input.URL)
	if err != nil {
		return nil, err
	}

	occurredAt := input.Timestamp.UTC()
	if input.Timestamp.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &RawEvent{
		SiteID:            input.SiteID,
		SessionID:         input.SessionID,
		OccurredAt:        occurredAt,
		Kind:              input.Kind,
		URL:               path,
		Referrer:          externalReferrer(input.ReferrerURL, host),
		DeviceType:        ua.DeviceType,
		Browser:           ua.Browser,
		OS:                ua.OS,
		TimeOnPageSeconds: input.TimeOnPage,
		CreatedAt:         time.Now().UTC(),
	}
	if input.ScreenResolution != "" {
		screen := input.ScreenResolution
		event.ScreenResolution = &screen
	}
	if input.Kind == KindCustomEvent {
		event.EventName = input.EventName
		event.Properties = input.Properties
	}

	db := r.dbManager.GetConnection().WithContext(ctx)
	err = sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		if event.Kind == KindPageView {
			var earlier int64
			if err := tx.Model(&RawEvent{}).
				Where("site_id = ? AND session_id = ? AND kind = ?", event.SiteID, event.SessionID, KindPageView).
				Count(&earlier).Error; err != nil {
				return err
			}
			event.IsBounce = earlier == 0
			if earlier == 1 {
				if err := tx.Model(&RawEvent{}).
					Where("site_id = ? AND session_id = ? AND kind = ? AND is_bounce = ?", event.SiteID, event.SessionID, KindPageView, true).
					Update("is_bounce", false).Error; err != nil {
					return err
				}
			}
		}
		return tx.Create(event).Error
	})
	if err != nil {
		r.logger.Error("Failed to store event", slog.Any("error", err))
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	return event, nil
}

// splitURL returns the hostname and path of a tracked URL. Bare paths are
// accepted as-is.
func splitURL(raw string) (string, string, error) {
	if raw == "" {
		return "", "", errors.New("empty URL provided")
	}
	if strings.HasPrefix(raw, "/") {
		return "", stripQuery(raw), nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return "", "", fmt.Errorf("URL missing hostname")
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return parsed.Hostname(), path, nil
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	return path
}

// externalReferrer returns the referrer hostname, or nil for direct traffic
// and self-referrals.
func externalReferrer(raw, siteHost string) *string {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if siteHost != "" && sites.BaseDomainForHost(host) == sites.BaseDomainForHost(siteHost) {
		return nil
	}
	return &host
}
