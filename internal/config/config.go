package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Source library (Audiobookshelf-compatible) configuration
	Source struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"source"`

	// Remote book service (Hardcover-compatible) configuration
	Remote struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"remote"`

	// Sync run settings
	Sync struct {
		Interval        time.Duration `yaml:"interval"`
		Workers         int           `yaml:"workers"`
		MinimumProgress float64       `yaml:"minimum_progress"` // percent, 0-100
		AutoAddBooks    bool          `yaml:"auto_add_books"`
		DryRun          bool          `yaml:"dry_run"`
		Incremental     bool          `yaml:"incremental"`
		TestBookFilter  string        `yaml:"test_book_filter"`
		TestBookLimit   int           `yaml:"test_book_limit"`
	} `yaml:"sync"`

	// Rate limiting for outbound API calls, per service
	RateLimit struct {
		RequestsPerMinute int `yaml:"requests_per_minute"`
		Burst             int `yaml:"burst"`
	} `yaml:"rate_limit"`

	// Retry behavior for transient failures
	Retry struct {
		MaxRetries int    `yaml:"max_retries"`
		Schedule   string `yaml:"schedule"` // conservative, standard, aggressive
	} `yaml:"retry"`

	// Delayed-update session settings
	Session struct {
		Enabled             bool `yaml:"enabled"`
		TimeoutSeconds      int  `yaml:"timeout_seconds"`
		MaxDelaySeconds     int  `yaml:"max_delay_seconds"`
		ImmediateCompletion bool `yaml:"immediate_completion"`
	} `yaml:"session"`

	// Progress engine thresholds (percent unless noted)
	Progress struct {
		CompletionThreshold    float64 `yaml:"completion_threshold"`
		AudiobookFinishSeconds float64 `yaml:"audiobook_finish_seconds"`
		PagesRemainingFinish   int     `yaml:"pages_remaining_finish"`
		SignificantChange      float64 `yaml:"significant_change"`
		RegressionBlock        float64 `yaml:"regression_block"`
		RegressionWarn         float64 `yaml:"regression_warn"`
		RegressionHigh         float64 `yaml:"regression_high"`
		RereadThreshold        float64 `yaml:"reread_threshold"`
	} `yaml:"progress"`

	// Book cache persistence
	Cache struct {
		Type     string `yaml:"type"` // sqlite, postgresql, mysql
		Path     string `yaml:"path"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"cache"`

	// File paths
	Paths struct {
		DataDir       string `yaml:"data_dir"`
		FailedSyncDir string `yaml:"failed_sync_dir"`
		StateFile     string `yaml:"state_file"`
	} `yaml:"paths"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// HTTP server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
}

// Load loads configuration with priority: defaults, then config file,
// then environment variables. Validation is the caller's job; commands
// that never touch the remote services can run on an unvalidated config.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configFile == "" {
		configFile = os.Getenv("SHELFBRIDGE_CONFIG")
	}

	if configFile != "" {
		absConfigFile, err := filepath.Abs(configFile)
		if err == nil {
			configFile = absConfigFile
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file does not exist: %w", err)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		fileCfg := &Config{}
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		// Merge non-zero values from the file over the defaults.
		mergeConfigs(cfg, fileCfg)
	}

	loadFromEnv(cfg)
	cfg.normalize()

	return cfg, nil
}

// setDefaults fills in every knob's default value.
func (c *Config) setDefaults() {
	c.Sync.Interval = 1 * time.Hour
	c.Sync.Workers = 3
	c.Sync.MinimumProgress = 1.0
	c.Sync.AutoAddBooks = false
	c.Sync.Incremental = true

	c.RateLimit.RequestsPerMinute = 55
	c.RateLimit.Burst = 10

	c.Retry.MaxRetries = 2
	c.Retry.Schedule = "standard"

	c.Session.Enabled = false
	c.Session.TimeoutSeconds = 900
	c.Session.MaxDelaySeconds = 3600
	c.Session.ImmediateCompletion = true

	c.Progress.CompletionThreshold = 95
	c.Progress.AudiobookFinishSeconds = 120
	c.Progress.PagesRemainingFinish = 3
	c.Progress.SignificantChange = 0.1
	c.Progress.RegressionBlock = 50
	c.Progress.RegressionWarn = 15
	c.Progress.RegressionHigh = 85
	c.Progress.RereadThreshold = 30

	c.Cache.Type = "sqlite"

	c.Paths.DataDir = "./data"

	c.Logging.Level = "info"
	c.Logging.Format = "json"

	c.Server.Port = "8080"
	c.Server.ShutdownTimeout = 10 * time.Second
}

// Validate checks that everything required to talk to the source and
// remote services is present.
func (c *Config) Validate() error {
	var missing []string

	if c.Source.URL == "" {
		missing = append(missing, "SOURCE_URL")
	}
	if c.Source.Token == "" {
		missing = append(missing, "SOURCE_TOKEN")
	}
	if c.Remote.Token == "" {
		missing = append(missing, "REMOTE_TOKEN")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}

	if c.Session.Enabled && c.Session.TimeoutSeconds >= c.Session.MaxDelaySeconds {
		return &ConfigError{
			Field: "session.timeout_seconds",
			Msg:   "must be smaller than session.max_delay_seconds",
		}
	}

	if c.Sync.Workers < 1 {
		return &ConfigError{
			Field: "sync.workers",
			Msg:   "must be at least 1",
		}
	}

	switch c.Retry.Schedule {
	case "conservative", "standard", "aggressive", "none":
	default:
		return &ConfigError{
			Field: "retry.schedule",
			Msg:   "must be one of conservative, standard, aggressive, none",
		}
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// bearerPrefix matches a literal leading "Bearer" marker in any case and
// with any spacing. Tokens are stored bare; clients add the scheme.
var bearerPrefix = regexp.MustCompile(`(?i)^\s*bearer\s+`)

// StripBearerPrefix removes a leading "Bearer " scheme from a token if
// present. Returns the cleaned token and whether anything was stripped.
func StripBearerPrefix(token string) (string, bool) {
	cleaned := bearerPrefix.ReplaceAllString(token, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, cleaned != token
}

// normalize post-processes the merged configuration: trims URLs, strips
// token schemes, and clamps session bounds to their allowed ranges.
func (c *Config) normalize() {
	c.Source.URL = strings.TrimSuffix(strings.TrimSpace(c.Source.URL), "/")
	c.Remote.URL = strings.TrimSuffix(strings.TrimSpace(c.Remote.URL), "/")

	if cleaned, stripped := StripBearerPrefix(c.Source.Token); stripped {
		fmt.Printf("Warning: source token contained a Bearer prefix, stripped\n")
		c.Source.Token = cleaned
	} else {
		c.Source.Token = cleaned
	}
	if cleaned, stripped := StripBearerPrefix(c.Remote.Token); stripped {
		fmt.Printf("Warning: remote token contained a Bearer prefix, stripped\n")
		c.Remote.Token = cleaned
	} else {
		c.Remote.Token = cleaned
	}

	// Session bounds: timeout 60..7200, max delay 300..86400.
	if c.Session.TimeoutSeconds < 60 {
		c.Session.TimeoutSeconds = 60
	} else if c.Session.TimeoutSeconds > 7200 {
		c.Session.TimeoutSeconds = 7200
	}
	if c.Session.MaxDelaySeconds < 300 {
		c.Session.MaxDelaySeconds = 300
	} else if c.Session.MaxDelaySeconds > 86400 {
		c.Session.MaxDelaySeconds = 86400
	}

	if c.RateLimit.RequestsPerMinute < 1 {
		c.RateLimit.RequestsPerMinute = 55
	}
	if c.RateLimit.Burst < 1 {
		c.RateLimit.Burst = 1
	}
}

// CachePath returns the configured cache file path, deriving the default
// location under the data directory when unset.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(c.Paths.DataDir, "shelfbridge-cache.db")
}

// StateFile returns the incremental state file path, deriving the default
// location under the data directory when unset.
func (c *Config) StateFile() string {
	if c.Paths.StateFile != "" {
		return c.Paths.StateFile
	}
	return filepath.Join(c.Paths.DataDir, "sync-state.json")
}

// FailedSyncDir returns the directory for failed-sync report files,
// deriving the default location under the data directory when unset.
func (c *Config) FailedSyncDir() string {
	if c.Paths.FailedSyncDir != "" {
		return c.Paths.FailedSyncDir
	}
	return filepath.Join(c.Paths.DataDir, "failed-syncs")
}

// IsTestMode reports whether the SHELFBRIDGE_TEST flag is set, which
// relaxes startup checks for integration tests.
func IsTestMode() bool {
	return getBoolFromEnv("SHELFBRIDGE_TEST", false)
}

// loadFromEnv loads configuration from environment variables, which take
// priority over the config file.
func loadFromEnv(cfg *Config) {
	if url := os.Getenv("SOURCE_URL"); url != "" {
		cfg.Source.URL = url
	}
	if token := os.Getenv("SOURCE_TOKEN"); token != "" {
		cfg.Source.Token = token
	}
	if url := os.Getenv("REMOTE_URL"); url != "" {
		cfg.Remote.URL = url
	}
	if token := os.Getenv("REMOTE_TOKEN"); token != "" {
		cfg.Remote.Token = token
	}

	if interval := getDurationFromEnv("SYNC_INTERVAL", 0); interval > 0 {
		cfg.Sync.Interval = interval
	}
	if workers := getIntFromEnv("SYNC_WORKERS", 0); workers > 0 {
		cfg.Sync.Workers = workers
	}
	if minProgress := getFloat64FromEnv("MINIMUM_PROGRESS", -1); minProgress >= 0 {
		cfg.Sync.MinimumProgress = minProgress
	}
	if autoAdd, set := os.LookupEnv("AUTO_ADD_BOOKS"); set {
		cfg.Sync.AutoAddBooks = strings.ToLower(autoAdd) == "true"
	}
	if dryRun, set := os.LookupEnv("DRY_RUN"); set {
		cfg.Sync.DryRun = strings.ToLower(dryRun) == "true"
	}
	if incremental, set := os.LookupEnv("INCREMENTAL_SYNC"); set {
		cfg.Sync.Incremental = strings.ToLower(incremental) == "true"
	}
	if filter := os.Getenv("TEST_BOOK_FILTER"); filter != "" {
		cfg.Sync.TestBookFilter = filter
	}
	if limit := getIntFromEnv("TEST_BOOK_LIMIT", 0); limit > 0 {
		cfg.Sync.TestBookLimit = limit
	}

	if rpm := getIntFromEnv("RATE_LIMIT_PER_MINUTE", 0); rpm > 0 {
		cfg.RateLimit.RequestsPerMinute = rpm
	}
	if burst := getIntFromEnv("RATE_LIMIT_BURST", 0); burst > 0 {
		cfg.RateLimit.Burst = burst
	}

	if retries := getIntFromEnv("MAX_RETRIES", -1); retries >= 0 {
		cfg.Retry.MaxRetries = retries
	}

	if enabled, set := os.LookupEnv("SESSION_ENABLED"); set {
		cfg.Session.Enabled = strings.ToLower(enabled) == "true"
	}
	if timeout := getIntFromEnv("SESSION_TIMEOUT", 0); timeout > 0 {
		cfg.Session.TimeoutSeconds = timeout
	}
	if maxDelay := getIntFromEnv("SESSION_MAX_DELAY", 0); maxDelay > 0 {
		cfg.Session.MaxDelaySeconds = maxDelay
	}

	if cacheType := os.Getenv("CACHE_TYPE"); cacheType != "" {
		cfg.Cache.Type = cacheType
	}
	if cachePath := os.Getenv("CACHE_PATH"); cachePath != "" {
		cfg.Cache.Path = cachePath
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if timeout := getDurationFromEnv("SHUTDOWN_TIMEOUT", 0); timeout > 0 {
		cfg.Server.ShutdownTimeout = timeout
	}
}

// mergeConfigs merges non-zero values from src into dst
func mergeConfigs(dst, src *Config) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()

	for i := 0; i < dstVal.NumField(); i++ {
		dstField := dstVal.Field(i)
		srcField := srcVal.Field(i)

		if !dstField.CanSet() {
			continue
		}

		if dstField.Kind() == reflect.Struct && dstField.CanAddr() && srcField.CanAddr() {
			mergeNestedConfigs(dstField.Addr().Interface(), srcField.Addr().Interface())
		}
	}
}

// mergeNestedConfigs merges nested config structs field by field,
// overwriting only where the source has a non-zero value.
func mergeNestedConfigs(dst, src interface{}) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()

	for i := 0; i < dstVal.NumField(); i++ {
		dstField := dstVal.Field(i)
		srcField := srcVal.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.String:
			if srcField.String() != "" {
				dstField.SetString(srcField.String())
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if srcField.Int() != 0 {
				dstField.SetInt(srcField.Int())
			}
		case reflect.Float32, reflect.Float64:
			if srcField.Float() != 0 {
				dstField.SetFloat(srcField.Float())
			}
		case reflect.Bool:
			if srcField.Bool() {
				dstField.SetBool(true)
			}
		case reflect.Struct:
			if dstField.CanAddr() && srcField.CanAddr() {
				mergeNestedConfigs(dstField.Addr().Interface(), srcField.Addr().Interface())
			}
		}
	}
}

// Helper functions for environment variable parsing

func getBoolFromEnv(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err != nil {
			fmt.Printf("Warning: Failed to parse bool from env var %s: %v\n", key, err)
			return fallback
		}
		return b
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			fmt.Printf("Warning: Failed to parse int from env var %s: %v\n", key, err)
			return fallback
		}
		return i
	}
	return fallback
}

// getDurationFromEnv reads a duration from an environment variable. Bare
// integers are treated as seconds for compatibility with shell usage.
func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			fmt.Printf("Warning: Failed to parse duration from env var %s: %v\n", key, err)
			return fallback
		}
		return d
	}
	return fallback
}

func getFloat64FromEnv(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			fmt.Printf("Warning: Failed to parse float64 from env var %s: %v\n", key, err)
			return fallback
		}
		return f
	}
	return fallback
}
