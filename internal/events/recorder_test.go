package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/events"
	"tallystat/internal/pkg/user_agent"
	"tallystat/internal/testsupport"
)

const chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

var at = time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

func TestRecordPageView(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	site := testsupport.CreateTestSite(dbManager.GetConnection(), "example.com")
	recorder := events.NewRecorder(dbManager, logger)
	ctx := context.Background()

	t.Run("classifies and normalizes the hit", func(t *testing.T) {
		ev, err := recorder.Record(ctx, events.RecordInput{
			SiteID:           site.ID,
			SessionID:        "s-1",
			Kind:             events.KindPageView,
			URL:              "https://example.com/pricing?plan=pro",
			ReferrerURL:      "https://www.google.com/search?q=tally",
			UserAgent:        chromeWindows,
			ScreenResolution: "1920x1080",
			Timestamp:        at,
		})
		require.NoError(t, err)

		assert.Equal(t, "/pricing", ev.URL)
		require.NotNil(t, ev.Referrer)
		assert.Equal(t, "google.com", *ev.Referrer)
		assert.Equal(t, user_agent.DeviceDesktop, ev.DeviceType)
		assert.Equal(t, "Chrome", ev.Browser)
		assert.Equal(t, "Windows", ev.OS)
		require.NotNil(t, ev.ScreenResolution)
		assert.Equal(t, "1920x1080", *ev.ScreenResolution)
		assert.True(t, ev.OccurredAt.Equal(at))
		assert.True(t, ev.IsBounce)
	})

	t.Run("self referrals count as direct", func(t *testing.T) {
		ev, err := recorder.Record(ctx, events.RecordInput{
			SiteID:      site.ID,
			SessionID:   "s-2",
			Kind:        events.KindPageView,
			URL:         "https://example.com/docs",
			ReferrerURL: "https://blog.example.com/post",
			UserAgent:   chromeWindows,
			Timestamp:   at,
		})
		require.NoError(t, err)
		assert.Nil(t, ev.Referrer)
		assert.Nil(t, ev.ScreenResolution)
	})
}

func TestRecordClearsBounceOnSecondPageView(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(db, "example.com")
	recorder := events.NewRecorder(dbManager, logger)
	ctx := context.Background()

	first, err := recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, SessionID: "s-1", Kind: events.KindPageView,
		URL: "/", UserAgent: chromeWindows, Timestamp: at,
	})
	require.NoError(t, err)
	assert.True(t, first.IsBounce)

	second, err := recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, SessionID: "s-1", Kind: events.KindPageView,
		URL: "/about", UserAgent: chromeWindows, Timestamp: at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, second.IsBounce)

	var reloaded events.RawEvent
	require.NoError(t, db.First(&reloaded, first.ID).Error)
	assert.False(t, reloaded.IsBounce)
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	site := testsupport.CreateTestSite(dbManager.GetConnection(), "example.com")
	recorder := events.NewRecorder(dbManager, logger)
	ctx := context.Background()

	_, err := recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, SessionID: "s-1", Kind: events.KindPageView,
		URL: "/", UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	})
	assert.ErrorIs(t, err, events.ErrBotTraffic)

	_, err = recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, SessionID: "s-1", Kind: events.KindCustomEvent,
		URL: "/", UserAgent: chromeWindows,
	})
	assert.Error(t, err, "custom events need a name")

	_, err = recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, Kind: events.KindPageView, URL: "/", UserAgent: chromeWindows,
	})
	assert.Error(t, err, "session id is required")

	_, err = recorder.Record(ctx, events.RecordInput{
		SiteID: site.ID, SessionID: "s-1", Kind: events.KindPageView,
		URL: "example", UserAgent: chromeWindows,
	})
	assert.Error(t, err, "URL without host")

	var count int64
	require.NoError(t, dbManager.GetConnection().Model(&events.RawEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecordCustomEvent(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(db, "example.com")
	recorder := events.NewRecorder(dbManager, logger)

	ev, err := recorder.Record(context.Background(), events.RecordInput{
		SiteID:     site.ID,
		SessionID:  "s-1",
		Kind:       events.KindCustomEvent,
		URL:        "https://example.com/signup",
		UserAgent:  chromeWindows,
		EventName:  "account_created",
		Properties: events.Properties{"plan": "free"},
		Timestamp:  at,
	})
	require.NoError(t, err)
	assert.False(t, ev.IsBounce)

	var stored events.RawEvent
	require.NoError(t, db.First(&stored, ev.ID).Error)
	assert.Equal(t, events.KindCustomEvent, stored.Kind)
	assert.Equal(t, "account_created", stored.EventName)
	assert.Equal(t, "free", stored.Properties["plan"])
}
