package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"

	"tallystat/internal/events"
	"tallystat/internal/sites"
)

// Report counts what a seeding run recorded.
type Report struct {
	Sites      int
	Sessions   int
	PageViews  int
	Events     int
	BotsDenied int
}

// Seeder fills the raw event table with journey-shaped traffic spread over
// the last Days days.
type Seeder struct {
	DBManager  cartridge.DBManager
	Recorder   *events.Recorder
	Logger     *slog.Logger
	EventCount int
	Days       int
	Domains    []string

	rand *rand.Rand
	now  func() time.Time
}

// NewSeeder creates a new seeder instance. The same seed always produces
// the same traffic.
func NewSeeder(dbManager cartridge.DBManager, recorder *events.Recorder, logger *slog.Logger, eventCount int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		DBManager:  dbManager,
		Recorder:   recorder,
		Logger:     logger,
		EventCount: eventCount,
		Days:       30,
		Domains: []string{
			"example.com",
			"blog.example.com",
			"app.example.com",
			"mywebsite.com",
		},
		rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the seeder's notion of now.
func (s *Seeder) SetClock(now func() time.Time) {
	s.now = now
}

var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/blog/article-1", "/about", "/pricing", "/signup"},
}

var goalEvents = []struct {
	name     string
	metadata events.Properties
}{
	{name: "newsletter_signup", metadata: events.Properties{"source": "footer"}},
	{name: "demo_requested", metadata: events.Properties{"plan": "enterprise"}},
	{name: "account_created", metadata: events.Properties{"plan": "free", "source": "homepage"}},
	{name: "download_started", metadata: events.Properties{"filename": "whitepaper.pdf"}},
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Googlebot/2.1 (+http://www.google.com/bot.html)",
}

var referrers = []string{
	"", // Direct visit
	"https://google.com",
	"https://bing.com",
	"https://duckduckgo.com",
	"https://github.com",
	"https://news.ycombinator.com/item?id=1",
}

var screens = []string{"1920x1080", "1440x900", "390x844", "820x1180", ""}

// Run creates the seed sites and records traffic for each of them.
func (s *Seeder) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	s.Logger.Info("Starting database seeding...", slog.Int("eventCount", s.EventCount))

	seeded, err := s.seedSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to seed sites: %w", err)
	}

	report := &Report{Sites: len(seeded)}
	perSite := s.EventCount / max(len(seeded), 1)
	for _, site := range seeded {
		s.Logger.Info("Generating data for site", slog.String("domain", site.Domain))
		if err := s.generate(ctx, site, perSite, report); err != nil {
			return nil, fmt.Errorf("failed to generate data for %s: %w", site.Domain, err)
		}
	}

	s.Logger.Info("Seeding completed successfully",
		slog.Int("page_views", report.PageViews),
		slog.Int("events", report.Events),
		slog.Duration("elapsed", time.Since(start)))
	return report, nil
}

func (s *Seeder) seedSites(ctx context.Context) ([]*sites.Site, error) {
	db := s.DBManager.GetConnection().WithContext(ctx)
	out := make([]*sites.Site, 0, len(s.Domains))
	for _, domain := range s.Domains {
		site, _, err := sites.FindOrCreate(s.Logger, db, domain, domain)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, nil
}

// generate records sessions until target hits were attempted. Timestamps
// stay at least an hour in the past.
func (s *Seeder) generate(ctx context.Context, site *sites.Site, target int, report *Report) error {
	window := time.Duration(s.Days) * 24 * time.Hour
	attempted := 0
	for attempted < target {
		if err := ctx.Err(); err != nil {
			return err
		}

		journey := journeyTemplates[s.rand.IntN(len(journeyTemplates))]
		userAgent := userAgents[s.rand.IntN(len(userAgents))]
		referrer := referrers[s.rand.IntN(len(referrers))]
		screen := screens[s.rand.IntN(len(screens))]
		sessionID := uuid.NewString()

		offset := time.Hour + time.Duration(s.rand.Int64N(int64(window)))
		at := s.now().Add(-offset)
		report.Sessions++

		for i, path := range journey {
			if attempted >= target {
				break
			}
			if i > 0 {
				at = at.Add(time.Duration(s.rand.IntN(110)+10) * time.Second)
			}
			if i == 0 {
				path = s.withQuery(path)
			}
			attempted++
			_, err := s.Recorder.Record(ctx, events.RecordInput{
				SiteID:           site.ID,
				SessionID:        sessionID,
				Kind:             events.KindPageView,
				URL:              "https://" + site.Domain + path,
				ReferrerURL:      referrer,
				UserAgent:        userAgent,
				ScreenResolution: screen,
				Timestamp:        at,
			})
			if errors.Is(err, events.ErrBotTraffic) {
				report.BotsDenied++
				break
			}
			if err != nil {
				return err
			}
			report.PageViews++
			referrer = ""
		}

		if attempted < target && s.rand.Float64() < 0.2 {
			goal := goalEvents[s.rand.IntN(len(goalEvents))]
			attempted++
			_, err := s.Recorder.Record(ctx, events.RecordInput{
				SiteID:     site.ID,
				SessionID:  sessionID,
				Kind:       events.KindCustomEvent,
				URL:        "https://" + site.Domain + journey[len(journey)-1],
				UserAgent:  userAgent,
				EventName:  goal.name,
				Properties: goal.metadata,
				Timestamp:  at.Add(time.Minute),
			})
			if errors.Is(err, events.ErrBotTraffic) {
				report.BotsDenied++
				continue
			}
			if err != nil {
				return err
			}
			report.Events++
		}
	}
	return nil
}

// withQuery adds utm parameters to some landing pages.
func (s *Seeder) withQuery(path string) string {
	if s.rand.IntN(10) < 7 {
		return path
	}
	params := url.Values{}
	params.Set("utm_source", []string{"google", "newsletter", "twitter"}[s.rand.IntN(3)])
	params.Set("utm_medium", []string{"cpc", "email", "social"}[s.rand.IntN(3)])
	return path + "?" + params.Encode()
}
