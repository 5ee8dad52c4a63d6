// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
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

// Fast counter backends
const (
	CounterBackendMemory   = "memory"
	CounterBackendMemcache = "memcache"
)

// Live update broker backends
const (
	BrokerBackendLocal = "local"
	BrokerBackendKafka = "kafka"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	LivePort    string   `mapstructure:"liveport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	AdminToken  string   `mapstructure:"admintoken"`
	Timezone    string   `mapstructure:"timezone"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Fast counter settings
	CounterBackend        string `mapstructure:"counterbackend"`
	MemcacheServers       string `mapstructure:"memcacheservers"`
	CounterReadyTimeoutMs int    `mapstructure:"counterreadytimeoutms"`
	DayCounterTTLHours    int    `mapstructure:"daycounterttlhours"`
	MinuteCounterTTLMins  int    `mapstructure:"minutecounterttlmins"`

	// Event buffer settings
	BatchSize          int `mapstructure:"batchsize"`
	FlushIntervalMs    int `mapstructure:"flushintervalms"`
	FlushMaxAttempts   int `mapstructure:"flushmaxattempts"`
	FlushBackoffMs     int `mapstructure:"flushbackoffms"`
	FlushMaxBackoffMs  int `mapstructure:"flushmaxbackoffms"`
	ShutdownTimeoutSec int `mapstructure:"shutdowntimeoutsec"`

	// Aggregation settings
	AggregationDebounceMs  int `mapstructure:"aggregationdebouncems"`
	HourSweepSeconds       int `mapstructure:"hoursweepseconds"`
	DaySweepSeconds        int `mapstructure:"daysweepseconds"`
	WeekMonthSweepSeconds  int `mapstructure:"weekmonthsweepseconds"`
	MinuteRetentionHours   int `mapstructure:"minuteretentionhours"`
	TrailingWindowUnits    int `mapstructure:"trailingwindowunits"`
	LastDaysCacheTTLMillis int `mapstructure:"lastdayscachettlms"`

	// Live fan-out settings
	BrokerBackend       string `mapstructure:"brokerbackend"`
	KafkaBrokers        string `mapstructure:"kafkabrokers"`
	KafkaTopic          string `mapstructure:"kafkatopic"`
	KafkaGroupPrefix    string `mapstructure:"kafkagroupprefix"`
	BroadcastIntervalMs int    `mapstructure:"broadcastintervalms"`
	FallbackPollMs      int    `mapstructure:"fallbackpollms"`
	HeartbeatSeconds    int    `mapstructure:"heartbeatseconds"`

	// Reconciliation settings
	ReconcileWindowDays     int `mapstructure:"reconcilewindowdays"`
	ReconcileIntervalSecond int `mapstructure:"reconcileintervalseconds"`
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

// Load reads a fresh configuration from defaults, an optional .env file and the environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("appname", "webtraffic")
	v.SetDefault("appport", "3001")
	v.SetDefault("liveport", "3002")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("timezone", "UTC")
	v.SetDefault("storagepath", "storage")
	v.SetDefault("publicdir", "web/dist/assets")
	v.SetDefault("publicassetsurlprefix", "/")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbtype", SQLiteDatabase)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("counterbackend", CounterBackendMemory)
	v.SetDefault("memcacheservers", "127.0.0.1:11211")
	v.SetDefault("counterreadytimeoutms", 10000)
	v.SetDefault("daycounterttlhours", 8*24)
	v.SetDefault("minutecounterttlmins", 120)
	v.SetDefault("batchsize", 100)
	v.SetDefault("flushintervalms", 300)
	v.SetDefault("flushmaxattempts", 5)
	v.SetDefault("flushbackoffms", 100)
	v.SetDefault("flushmaxbackoffms", 2000)
	v.SetDefault("shutdowntimeoutsec", 30)
	v.SetDefault("aggregationdebouncems", 2000)
	v.SetDefault("hoursweepseconds", 60)
	v.SetDefault("daysweepseconds", 3600)
	v.SetDefault("weekmonthsweepseconds", 86400)
	v.SetDefault("minuteretentionhours", 48)
	v.SetDefault("trailingwindowunits", 6)
	v.SetDefault("lastdayscachettlms", 1000)
	v.SetDefault("brokerbackend", BrokerBackendLocal)
	v.SetDefault("kafkabrokers", "localhost:9092")
	v.SetDefault("kafkatopic", "webtraffic-live")
	v.SetDefault("kafkagroupprefix", "webtraffic-live")
	v.SetDefault("broadcastintervalms", 50)
	v.SetDefault("fallbackpollms", 1000)
	v.SetDefault("heartbeatseconds", 30)
	v.SetDefault("reconcilewindowdays", 7)
	v.SetDefault("reconcileintervalseconds", 600)

	bindings := map[string]string{
		"appname":                  "WEBTRAFFIC_APP_NAME",
		"appport":                  "WEBTRAFFIC_APP_PORT",
		"liveport":                 "WEBTRAFFIC_LIVE_PORT",
		"environment":              "WEBTRAFFIC_ENV",
		"loglevel":                 "WEBTRAFFIC_LOG_LEVEL",
		"admintoken":               "WEBTRAFFIC_ADMIN_TOKEN",
		"timezone":                 "WEBTRAFFIC_TIMEZONE",
		"storagepath":              "WEBTRAFFIC_STORAGE_PATH",
		"publicdir":                "WEBTRAFFIC_PUBLIC_DIR",
		"publicassetsurlprefix":    "WEBTRAFFIC_PUBLIC_ASSETS_URL_PREFIX",
		"logsdir":                  "WEBTRAFFIC_LOGS_DIR",
		"logsmaxsizeinmb":          "WEBTRAFFIC_LOGS_MAX_SIZE_IN_MB",
		"logsmaxbackups":           "WEBTRAFFIC_LOGS_MAX_BACKUPS",
		"logsmaxageindays":         "WEBTRAFFIC_LOGS_MAX_AGE_IN_DAYS",
		"dbtype":                   "WEBTRAFFIC_DB_TYPE",
		"dbmaxopenconns":           "WEBTRAFFIC_DB_MAX_OPEN_CONNS",
		"dbmaxidleconns":           "WEBTRAFFIC_DB_MAX_IDLE_CONNS",
		"counterbackend":           "WEBTRAFFIC_COUNTER_BACKEND",
		"memcacheservers":          "WEBTRAFFIC_MEMCACHE_SERVERS",
		"counterreadytimeoutms":    "WEBTRAFFIC_COUNTER_READY_TIMEOUT_MS",
		"daycounterttlhours":       "WEBTRAFFIC_DAY_COUNTER_TTL_HOURS",
		"minutecounterttlmins":     "WEBTRAFFIC_MINUTE_COUNTER_TTL_MINS",
		"batchsize":                "WEBTRAFFIC_BATCH_SIZE",
		"flushintervalms":          "WEBTRAFFIC_FLUSH_INTERVAL_MS",
		"flushmaxattempts":         "WEBTRAFFIC_FLUSH_MAX_ATTEMPTS",
		"flushbackoffms":           "WEBTRAFFIC_FLUSH_BACKOFF_MS",
		"flushmaxbackoffms":        "WEBTRAFFIC_FLUSH_MAX_BACKOFF_MS",
		"shutdowntimeoutsec":       "WEBTRAFFIC_SHUTDOWN_TIMEOUT_SEC",
		"aggregationdebouncems":    "WEBTRAFFIC_AGGREGATION_DEBOUNCE_MS",
		"hoursweepseconds":         "WEBTRAFFIC_HOUR_SWEEP_SECONDS",
		"daysweepseconds":          "WEBTRAFFIC_DAY_SWEEP_SECONDS",
		"weekmonthsweepseconds":    "WEBTRAFFIC_WEEK_MONTH_SWEEP_SECONDS",
		"minuteretentionhours":     "WEBTRAFFIC_MINUTE_RETENTION_HOURS",
		"trailingwindowunits":      "WEBTRAFFIC_TRAILING_WINDOW_UNITS",
		"lastdayscachettlms":       "WEBTRAFFIC_LAST_DAYS_CACHE_TTL_MS",
		"brokerbackend":            "WEBTRAFFIC_BROKER_BACKEND",
		"kafkabrokers":             "WEBTRAFFIC_KAFKA_BROKERS",
		"kafkatopic":               "WEBTRAFFIC_KAFKA_TOPIC",
		"kafkagroupprefix":         "WEBTRAFFIC_KAFKA_GROUP_PREFIX",
		"broadcastintervalms":      "WEBTRAFFIC_BROADCAST_INTERVAL_MS",
		"fallbackpollms":           "WEBTRAFFIC_FALLBACK_POLL_MS",
		"heartbeatseconds":         "WEBTRAFFIC_HEARTBEAT_SECONDS",
		"reconcilewindowdays":      "WEBTRAFFIC_RECONCILE_WINDOW_DAYS",
		"reconcileintervalseconds": "WEBTRAFFIC_RECONCILE_INTERVAL_SECONDS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set derived values
	c.DatabaseName = c.GetDatabasePath()

	if c.IsProduction() && c.AdminToken == "" {
		return nil, fmt.Errorf("production requires WEBTRAFFIC_ADMIN_TOKEN")
	}

	return c, nil
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

	switch c.CounterBackend {
	case CounterBackendMemory, CounterBackendMemcache:
	default:
		return fmt.Errorf("invalid counter backend: %s", c.CounterBackend)
	}

	switch c.BrokerBackend {
	case BrokerBackendLocal, BrokerBackendKafka:
	default:
		return fmt.Errorf("invalid broker backend: %s", c.BrokerBackend)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
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

// Location returns the timezone all bucket keys are computed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// FlushInterval is the longest a buffered hit waits before a time-triggered flush.
func (c *Config) FlushInterval() time.Duration { return millis(c.FlushIntervalMs) }

// FlushBackoff returns the initial and maximum delay between flush retries.
func (c *Config) FlushBackoff() (time.Duration, time.Duration) {
	return millis(c.FlushBackoffMs), millis(c.FlushMaxBackoffMs)
}

// CounterReadyTimeout bounds the startup wait for the fast counter store.
func (c *Config) CounterReadyTimeout() time.Duration { return millis(c.CounterReadyTimeoutMs) }

// DayCounterTTL applies to daily and weekly fast counters.
func (c *Config) DayCounterTTL() time.Duration {
	return time.Duration(c.DayCounterTTLHours) * time.Hour
}

// MinuteCounterTTL applies to per-minute fast counters.
func (c *Config) MinuteCounterTTL() time.Duration {
	return time.Duration(c.MinuteCounterTTLMins) * time.Minute
}

// AggregationDebounce is the delay used to batch nearby flushes before re-aggregating.
func (c *Config) AggregationDebounce() time.Duration { return millis(c.AggregationDebounceMs) }

// HourSweepInterval is the backstop period for minute to hour aggregation.
func (c *Config) HourSweepInterval() time.Duration { return seconds(c.HourSweepSeconds) }

// DaySweepInterval is the backstop period for hour to day aggregation.
func (c *Config) DaySweepInterval() time.Duration { return seconds(c.DaySweepSeconds) }

// WeekMonthSweepInterval is the backstop period for week and month aggregation.
func (c *Config) WeekMonthSweepInterval() time.Duration { return seconds(c.WeekMonthSweepSeconds) }

// MinuteRetention is how long minute buckets are kept.
func (c *Config) MinuteRetention() time.Duration {
	return time.Duration(c.MinuteRetentionHours) * time.Hour
}

// LastDaysCacheTTL bounds the staleness of the cached last-7-days series.
func (c *Config) LastDaysCacheTTL() time.Duration { return millis(c.LastDaysCacheTTLMillis) }

// BroadcastInterval is the minimum spacing between live broadcasts.
func (c *Config) BroadcastInterval() time.Duration { return millis(c.BroadcastIntervalMs) }

// FallbackPollInterval is how often snapshots are pulled while the shared channel is down.
func (c *Config) FallbackPollInterval() time.Duration { return millis(c.FallbackPollMs) }

// HeartbeatInterval is the liveness check period for push connections.
func (c *Config) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatSeconds) }

// ReconcileInterval is the period of the background floor reconciliation; zero disables it.
func (c *Config) ReconcileInterval() time.Duration { return seconds(c.ReconcileIntervalSecond) }

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSec) }

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
// The counter has no login sessions; the admin token doubles as the secret.
func (c *Config) GetSessionSecret() string {
	return c.AdminToken
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (aggregation sweeps and dashboard reads share the pool)
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
