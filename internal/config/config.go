// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	MetricsAddr string   `mapstructure:"metricsaddr"`
	OpsToken    string   `mapstructure:"opstoken"`

	// File paths
	DatabasePath     string `mapstructure:"storagepath"`
	DatabaseName     string `mapstructure:"-"` // Derived from other settings
	ImportStorageDir string `mapstructure:"importstoragedir"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Retention, in days per tier
	PageViewRetentionDays int  `mapstructure:"pageviewretentiondays"`
	EventRetentionDays    int  `mapstructure:"eventretentiondays"`
	HourlyRetentionDays   int  `mapstructure:"hourlyretentiondays"`
	DailyRetentionDays    int  `mapstructure:"dailyretentiondays"`
	MonthlyRetentionDays  int  `mapstructure:"monthlyretentiondays"`
	CleanupEnabled        bool `mapstructure:"cleanupenabled"`
	CleanupBatchSize      int  `mapstructure:"cleanupbatchsize"`

	// Stats cache
	CacheEnabled           bool   `mapstructure:"cacheenabled"`
	CachePrefix            string `mapstructure:"cacheprefix"`
	CacheHourlyTTLSeconds  int    `mapstructure:"cachehourlyttlseconds"`
	CacheDailyTTLSeconds   int    `mapstructure:"cachedailyttlseconds"`
	CacheMonthlyTTLSeconds int    `mapstructure:"cachemonthlyttlseconds"`

	// Aggregation
	SettleWindowHours  int `mapstructure:"settlewindowhours"`
	TopKHourly         int `mapstructure:"topkhourly"`
	TopKDaily          int `mapstructure:"topkdaily"`
	TopKMonthly        int `mapstructure:"topkmonthly"`
	AccumulatorBound   int `mapstructure:"accumulatorbound"`
	AggregationWorkers int `mapstructure:"aggregationworkers"`

	// Bulk import
	ImportBatchSize           int   `mapstructure:"importbatchsize"`
	ImportChunkStatements     int   `mapstructure:"importchunkstatements"`
	ImportDispatchDelayMillis int   `mapstructure:"importdispatchdelaymillis"`
	ImportTimeoutSeconds      int   `mapstructure:"importtimeoutseconds"`
	ImportChunkTimeoutSeconds int   `mapstructure:"importchunktimeoutseconds"`
	ImportMaxAttempts         int   `mapstructure:"importmaxattempts"`
	ImportBackoffSeconds      []int `mapstructure:"importbackoffseconds"`

	// Background work
	QueueWorkers     int  `mapstructure:"queueworkers"`
	SchedulerEnabled bool `mapstructure:"schedulerenabled"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		loaded, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads defaults and environment overrides into a fresh Config.
func Load() (*Config, error) {
	v := newViper()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set derived values
	c.DatabaseName = c.GetDatabasePath()
	return c, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("appname", "tallystat")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("metricsaddr", "")
	v.SetDefault("opstoken", "")
	v.SetDefault("storagepath", "storage")
	v.SetDefault("importstoragedir", "storage/imports")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbtype", SQLiteDatabase)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)

	v.SetDefault("pageviewretentiondays", 7)
	v.SetDefault("eventretentiondays", 7)
	v.SetDefault("hourlyretentiondays", 7)
	v.SetDefault("dailyretentiondays", 365)
	v.SetDefault("monthlyretentiondays", 1825) // ~5 years
	v.SetDefault("cleanupenabled", true)
	v.SetDefault("cleanupbatchsize", 1000)

	v.SetDefault("cacheenabled", true)
	v.SetDefault("cacheprefix", "analytics")
	v.SetDefault("cachehourlyttlseconds", 300)
	v.SetDefault("cachedailyttlseconds", 1800)
	v.SetDefault("cachemonthlyttlseconds", 3600)

	v.SetDefault("settlewindowhours", 24)
	v.SetDefault("topkhourly", 10)
	v.SetDefault("topkdaily", 20)
	v.SetDefault("topkmonthly", 50)
	v.SetDefault("accumulatorbound", 10000)
	v.SetDefault("aggregationworkers", 2)

	v.SetDefault("importbatchsize", 1000)
	v.SetDefault("importchunkstatements", 10)
	v.SetDefault("importdispatchdelaymillis", 2000)
	v.SetDefault("importtimeoutseconds", 3600)
	v.SetDefault("importchunktimeoutseconds", 300)
	v.SetDefault("importmaxattempts", 3)
	v.SetDefault("importbackoffseconds", []int{60, 300, 600})

	v.SetDefault("queueworkers", 4)
	v.SetDefault("schedulerenabled", true)

	v.BindEnv("appname", "TALLYSTAT_APP_NAME")
	v.BindEnv("environment", "TALLYSTAT_ENV")
	v.BindEnv("loglevel", "TALLYSTAT_LOG_LEVEL")
	v.BindEnv("metricsaddr", "TALLYSTAT_METRICS_ADDR")
	v.BindEnv("opstoken", "TALLYSTAT_OPS_TOKEN")
	v.BindEnv("storagepath", "TALLYSTAT_STORAGE_PATH")
	v.BindEnv("importstoragedir", "TALLYSTAT_IMPORT_STORAGE_DIR")
	v.BindEnv("logsdir", "TALLYSTAT_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "TALLYSTAT_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "TALLYSTAT_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "TALLYSTAT_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbtype", "TALLYSTAT_DB_TYPE")
	v.BindEnv("dbmaxopenconns", "TALLYSTAT_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "TALLYSTAT_DB_MAX_IDLE_CONNS")

	v.BindEnv("pageviewretentiondays", "TALLYSTAT_RETENTION_PAGE_VIEWS_DAYS")
	v.BindEnv("eventretentiondays", "TALLYSTAT_RETENTION_EVENTS_DAYS")
	v.BindEnv("hourlyretentiondays", "TALLYSTAT_RETENTION_HOURLY_DAYS")
	v.BindEnv("dailyretentiondays", "TALLYSTAT_RETENTION_DAILY_DAYS")
	v.BindEnv("monthlyretentiondays", "TALLYSTAT_RETENTION_MONTHLY_DAYS")
	v.BindEnv("cleanupenabled", "TALLYSTAT_CLEANUP_ENABLED")
	v.BindEnv("cleanupbatchsize", "TALLYSTAT_CLEANUP_BATCH_SIZE")

	v.BindEnv("cacheenabled", "TALLYSTAT_CACHE_ENABLED")
	v.BindEnv("cacheprefix", "TALLYSTAT_CACHE_PREFIX")
	v.BindEnv("cachehourlyttlseconds", "TALLYSTAT_CACHE_TTL_HOURLY")
	v.BindEnv("cachedailyttlseconds", "TALLYSTAT_CACHE_TTL_DAILY")
	v.BindEnv("cachemonthlyttlseconds", "TALLYSTAT_CACHE_TTL_MONTHLY")

	v.BindEnv("settlewindowhours", "TALLYSTAT_SETTLE_WINDOW_HOURS")
	v.BindEnv("topkhourly", "TALLYSTAT_TOP_K_HOURLY")
	v.BindEnv("topkdaily", "TALLYSTAT_TOP_K_DAILY")
	v.BindEnv("topkmonthly", "TALLYSTAT_TOP_K_MONTHLY")
	v.BindEnv("accumulatorbound", "TALLYSTAT_ACCUMULATOR_BOUND")
	v.BindEnv("aggregationworkers", "TALLYSTAT_AGGREGATION_WORKERS")

	v.BindEnv("importbatchsize", "TALLYSTAT_IMPORT_BATCH_SIZE")
	v.BindEnv("importchunkstatements", "TALLYSTAT_IMPORT_CHUNK_STATEMENTS")
	v.BindEnv("importdispatchdelaymillis", "TALLYSTAT_IMPORT_DISPATCH_DELAY_MS")
	v.BindEnv("importtimeoutseconds", "TALLYSTAT_IMPORT_TIMEOUT_SECONDS")
	v.BindEnv("importchunktimeoutseconds", "TALLYSTAT_IMPORT_CHUNK_TIMEOUT_SECONDS")
	v.BindEnv("importmaxattempts", "TALLYSTAT_IMPORT_MAX_ATTEMPTS")
	v.BindEnv("importbackoffseconds", "TALLYSTAT_IMPORT_BACKOFF_SECONDS")

	v.BindEnv("queueworkers", "TALLYSTAT_QUEUE_WORKERS")
	v.BindEnv("schedulerenabled", "TALLYSTAT_SCHEDULER_ENABLED")

	return v
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	positive := map[string]int{
		"top-k hourly":             c.TopKHourly,
		"top-k daily":              c.TopKDaily,
		"top-k monthly":            c.TopKMonthly,
		"import batch size":        c.ImportBatchSize,
		"import chunk statements":  c.ImportChunkStatements,
		"import max attempts":      c.ImportMaxAttempts,
		"cleanup batch size":       c.CleanupBatchSize,
		"monthly retention days":   c.MonthlyRetentionDays,
		"page view retention days": c.PageViewRetentionDays,
		"event retention days":     c.EventRetentionDays,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}

	// Lower tiers are pruned only once the next tier covers them, which
	// requires the next tier to outlive them.
	if c.DailyRetentionDays < c.HourlyRetentionDays || c.MonthlyRetentionDays < c.DailyRetentionDays {
		return fmt.Errorf("retention must not shrink from hourly (%d) to daily (%d) to monthly (%d)",
			c.HourlyRetentionDays, c.DailyRetentionDays, c.MonthlyRetentionDays)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// SettleWindow is how old an hour must be before it is rolled up.
func (c *Config) SettleWindow() time.Duration {
	return time.Duration(c.SettleWindowHours) * time.Hour
}

// DispatchDelay is the stagger between consecutive import chunk dispatches.
func (c *Config) DispatchDelay() time.Duration {
	return time.Duration(c.ImportDispatchDelayMillis) * time.Millisecond
}

// ImportTimeout bounds a single coordinator attempt.
func (c *Config) ImportTimeout() time.Duration {
	return time.Duration(c.ImportTimeoutSeconds) * time.Second
}

// ChunkTimeout bounds a single chunk attempt.
func (c *Config) ChunkTimeout() time.Duration {
	return time.Duration(c.ImportChunkTimeoutSeconds) * time.Second
}

// ImportBackoff returns the wait before each retry, in order.
func (c *Config) ImportBackoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.ImportBackoffSeconds))
	for _, s := range c.ImportBackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// GetPort returns the port of the ops server address (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	_, port, err := net.SplitHostPort(c.MetricsAddr)
	if err != nil {
		return ""
	}
	return port
}

// GetPublicDirectory implements cartridge.Config; tallystat serves no static assets.
func (c *Config) GetPublicDirectory() string {
	return ""
}

// GetAssetsPrefix implements cartridge.Config; tallystat serves no static assets.
func (c *Config) GetAssetsPrefix() string {
	return ""
}

// GetAppName returns the application name (implements cartridge.LogConfigProvider).
func (c *Config) GetAppName() string {
	return c.AppName
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
