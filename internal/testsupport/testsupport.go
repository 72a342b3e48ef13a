package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tallystat/internal/config"
	"tallystat/internal/database"
	"tallystat/internal/events"
	"tallystat/internal/sites"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with tallystat's interface
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with all tallystat models migrated.
// Uses a named in-memory database with cache=shared to allow multiple connections
// to share the same database within a test. Caches the database by test name
// so multiple calls within the same test return the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	cfg := config.GetConfig()

	// SAFETY CHECK: Ensure we're in test environment
	if cfg.Environment != config.Test {
		t.Fatalf("CRITICAL: Tests must run in test environment! Current: %s. Set TALLYSTAT_ENV=test", cfg.Environment)
	}

	db := SetupTestDB(t)
	return NewTestDBManager(db), GetLogger()
}

// NewTestConfig returns a private copy of the test configuration that a test
// may change freely. Import storage points at a temporary directory and the
// import queue runs without dispatch delays or backoff.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	c := *config.GetConfig()
	c.ImportStorageDir = t.TempDir()
	c.ImportDispatchDelayMillis = 0
	c.ImportBackoffSeconds = []int{0}
	c.ImportBatchSize = 25
	c.ImportChunkStatements = 2
	c.AggregationWorkers = 1
	c.QueueWorkers = 1
	c.SchedulerEnabled = false
	return &c
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	if len(tableNames) == 0 {
		return
	}

	db.Exec("PRAGMA foreign_keys = OFF")
	defer db.Exec("PRAGMA foreign_keys = ON")

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tableNames {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// CreateTestSite creates a test site in the database
func CreateTestSite(db *gorm.DB, domain string) sites.Site {
	var site sites.Site
	if db.Where("domain = ?", domain).First(&site).Error != nil {
		now := time.Now().UTC()
		site = sites.Site{
			Name:       domain,
			Domain:     domain,
			TrackingID: uuid.NewString(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		db.Create(&site)
	}
	return site
}

// PageViewOptions overrides the defaults of CreatePageView.
type PageViewOptions struct {
	Referrer   *string
	DeviceType string
	Browser    string
	OS         string
	Screen     *string
}

// CreatePageView inserts a raw page view directly.
func CreatePageView(t *testing.T, db *gorm.DB, siteID uint, sessionID, url string, at time.Time, opts ...PageViewOptions) *events.RawEvent {
	t.Helper()

	event := &events.RawEvent{
		SiteID:     siteID,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
		Kind:       events.KindPageView,
		URL:        url,
		DeviceType: "desktop",
		Browser:    "Chrome",
		OS:         "Windows",
		IsBounce:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if len(opts) > 0 {
		o := opts[0]
		event.Referrer = o.Referrer
		event.ScreenResolution = o.Screen
		if o.DeviceType != "" {
			event.DeviceType = o.DeviceType
		}
		if o.Browser != "" {
			event.Browser = o.Browser
		}
		if o.OS != "" {
			event.OS = o.OS
		}
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

// CreateCustomEvent inserts a raw custom event directly.
func CreateCustomEvent(t *testing.T, db *gorm.DB, siteID uint, sessionID, name string, at time.Time) *events.RawEvent {
	t.Helper()

	event := &events.RawEvent{
		SiteID:     siteID,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
		Kind:       events.KindCustomEvent,
		URL:        "/",
		EventName:  name,
		Properties: events.Properties{},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
