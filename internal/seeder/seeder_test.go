package seeder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/events"
	"tallystat/internal/seeder"
	"tallystat/internal/sites"
	"tallystat/internal/testsupport"
)

func TestSeederRecordsTraffic(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	now := time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)

	s := seeder.NewSeeder(dbManager, events.NewRecorder(dbManager, logger), logger, 120, 7)
	s.Days = 3
	s.SetClock(func() time.Time { return now })

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Sites)
	assert.Positive(t, report.PageViews)
	assert.LessOrEqual(t, report.PageViews+report.Events+report.BotsDenied, 120)

	all, err := sites.GetAllSites(db)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	var stored []events.RawEvent
	require.NoError(t, db.Find(&stored).Error)
	assert.Len(t, stored, report.PageViews+report.Events)

	oldest := now.Add(-3*24*time.Hour - time.Hour - 10*time.Minute)
	for _, ev := range stored {
		assert.True(t, ev.OccurredAt.After(oldest), "event at %s is too old", ev.OccurredAt)
		assert.True(t, ev.OccurredAt.Before(now), "event at %s is in the future", ev.OccurredAt)
	}
}

func TestSeederIsRepeatableOnSites(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	recorder := events.NewRecorder(dbManager, logger)

	for range 2 {
		_, err := seeder.NewSeeder(dbManager, recorder, logger, 8, 1).Run(context.Background())
		require.NoError(t, err)
	}

	all, err := sites.GetAllSites(dbManager.GetConnection())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
