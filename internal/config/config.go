// Package config provides configuration management for Gergy.
// It loads settings from environment variables with the GERGY_ prefix,
// optionally overlaid on a YAML file, and provides sensible defaults for all
// configuration options.
//
// Precedence, lowest to highest: built-in defaults, the YAML file
// (GERGY_CONFIG_FILE or an explicit path), a .env file in the working
// directory, then the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/gergy/pkg/types"
)

// Config holds all configuration settings for the Gergy engine.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Patterns PatternsConfig `yaml:"patterns"`
	Budget   BudgetConfig   `yaml:"budget"`
	Session  SessionConfig  `yaml:"session"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig selects and locates the knowledge store.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // sqlite data directory (default: ./data)
	DatabaseURL string `yaml:"database_url"` // postgres DSN
}

// SQLitePath returns the database file used by the sqlite engine.
func (s StorageConfig) SQLitePath() string {
	return filepath.Join(s.DataPath, "gergy.db")
}

// CacheConfig contains relevance cache settings.
type CacheConfig struct {
	Backend        string        `yaml:"backend"`   // memory, redis or none (default: memory)
	RedisURL       string        `yaml:"redis_url"` // default: redis://localhost:6379/0
	TTL            time.Duration `yaml:"ttl"`
	RelevanceFloor float64       `yaml:"relevance_floor"`
	DecayRate      float64       `yaml:"decay_rate"` // relevance lost per DecayUnit
	DecayUnit      time.Duration `yaml:"decay_unit"`
	TouchIncrement float64       `yaml:"touch_increment"`
}

// PatternsConfig contains pattern recognition settings.
type PatternsConfig struct {
	Threshold   float64 `yaml:"threshold"`    // strictly-greater match threshold
	CatalogPath string  `yaml:"catalog_path"` // empty uses the embedded catalog
	Watch       bool    `yaml:"watch"`        // reload CatalogPath when it changes
}

// BudgetConfig contains the per-domain daily ceilings.
type BudgetConfig struct {
	Limits             map[types.Domain]float64 `yaml:"limits"`
	ReservationTimeout time.Duration            `yaml:"reservation_timeout"`
	Timezone           string                   `yaml:"timezone"`
}

// Location resolves Timezone.
func (b BudgetConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.Timezone)
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	Inactivity time.Duration `yaml:"inactivity"`
}

// ServerConfig contains settings for the serve command.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics listener
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultBudgetLimits are the daily ceilings per tool domain.
func DefaultBudgetLimits() map[types.Domain]float64 {
	return map[types.Domain]float64{
		types.DomainFinancial:    15.0,
		types.DomainFamily:       10.0,
		types.DomainLifestyle:    8.0,
		types.DomainProfessional: 12.0,
		types.DomainHome:         8.0,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Cache: CacheConfig{
			Backend:        "memory",
			RedisURL:       "redis://localhost:6379/0",
			TTL:            time.Hour,
			RelevanceFloor: 0.2,
			DecayRate:      0.05,
			DecayUnit:      time.Hour,
			TouchIncrement: 0.1,
		},
		Patterns: PatternsConfig{
			Threshold: 0.3,
		},
		Budget: BudgetConfig{
			Limits:             DefaultBudgetLimits(),
			ReservationTimeout: 30 * time.Second,
			Timezone:           "UTC",
		},
		Session: SessionConfig{
			Inactivity: 30 * time.Minute,
		},
		Server: ServerConfig{
			MetricsAddr: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// GERGY_CONFIG_FILE is consulted; when neither is set no file is read.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("GERGY_CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current values; budget limits are merged per domain.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	limits := c.Budget.Limits
	c.Budget.Limits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.Budget.Limits = limits
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	merged := make(map[types.Domain]float64, len(limits)+len(c.Budget.Limits))
	for d, v := range limits {
		merged[d] = v
	}
	for d, v := range c.Budget.Limits {
		merged[d] = v
	}
	c.Budget.Limits = merged
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.Engine = getEnv("GERGY_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("GERGY_DATA_PATH", c.Storage.DataPath)
	c.Storage.DatabaseURL = getEnv("GERGY_DATABASE_URL", c.Storage.DatabaseURL)

	c.Cache.Backend = getEnv("GERGY_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisURL = getEnv("GERGY_REDIS_URL", c.Cache.RedisURL)
	c.Cache.TTL = getEnvDuration("GERGY_CACHE_TTL", c.Cache.TTL)
	c.Cache.RelevanceFloor = getEnvFloat("GERGY_CACHE_RELEVANCE_FLOOR", c.Cache.RelevanceFloor)
	c.Cache.DecayRate = getEnvFloat("GERGY_CACHE_DECAY_RATE", c.Cache.DecayRate)
	c.Cache.DecayUnit = getEnvDuration("GERGY_CACHE_DECAY_UNIT", c.Cache.DecayUnit)
	c.Cache.TouchIncrement = getEnvFloat("GERGY_CACHE_TOUCH_INCREMENT", c.Cache.TouchIncrement)

	c.Patterns.Threshold = getEnvFloat("GERGY_PATTERN_THRESHOLD", c.Patterns.Threshold)
	c.Patterns.CatalogPath = getEnv("GERGY_PATTERN_CATALOG", c.Patterns.CatalogPath)
	c.Patterns.Watch = getEnvBool("GERGY_PATTERN_WATCH", c.Patterns.Watch)

	c.Budget.ReservationTimeout = getEnvDuration("GERGY_RESERVATION_TIMEOUT", c.Budget.ReservationTimeout)
	c.Budget.Timezone = getEnv("GERGY_BUDGET_TIMEZONE", c.Budget.Timezone)
	if c.Budget.Limits == nil {
		c.Budget.Limits = make(map[types.Domain]float64)
	}
	for domain, limit := range budgetLimitsFromEnv() {
		c.Budget.Limits[domain] = limit
	}

	c.Session.Inactivity = getEnvDuration("GERGY_SESSION_INACTIVITY", c.Session.Inactivity)
	c.Server.MetricsAddr = getEnv("GERGY_METRICS_ADDR", c.Server.MetricsAddr)
	c.Log.Level = getEnv("GERGY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("GERGY_LOG_FORMAT", c.Log.Format)
}

// budgetLimitsFromEnv collects GERGY_BUDGET_<DOMAIN>=<amount> variables.
// Any domain may be added this way, not only the built-in five.
func budgetLimitsFromEnv() map[types.Domain]float64 {
	const prefix = "GERGY_BUDGET_"
	out := make(map[types.Domain]float64)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || key == "GERGY_BUDGET_TIMEZONE" {
			continue
		}
		domain, err := types.ParseDomain(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		limit, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		out[domain] = limit
	}
	return out
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Engine {
	case "sqlite":
		if c.Storage.DataPath == "" {
			errs = append(errs, errors.New("storage.data_path is required for sqlite"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.RelevanceFloor < 0 || c.Cache.RelevanceFloor > 1 {
		errs = append(errs, errors.New("cache.relevance_floor must be in [0,1]"))
	}
	if c.Cache.DecayRate < 0 {
		errs = append(errs, errors.New("cache.decay_rate must be >= 0"))
	}
	if c.Cache.DecayUnit <= 0 {
		errs = append(errs, errors.New("cache.decay_unit must be positive"))
	}
	if c.Cache.TouchIncrement < 0 || c.Cache.TouchIncrement > 1 {
		errs = append(errs, errors.New("cache.touch_increment must be in [0,1]"))
	}

	if c.Patterns.Threshold < 0 || c.Patterns.Threshold > 1 {
		errs = append(errs, errors.New("patterns.threshold must be in [0,1]"))
	}

	if c.Budget.ReservationTimeout <= 0 {
		errs = append(errs, errors.New("budget.reservation_timeout must be positive"))
	}
	if _, err := c.Budget.Location(); err != nil {
		errs = append(errs, fmt.Errorf("budget.timezone: %w", err))
	}
	if len(c.Budget.Limits) == 0 {
		errs = append(errs, errors.New("budget.limits must configure at least one domain"))
	}
	for domain, limit := range c.Budget.Limits {
		if err := domain.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("budget.limits: %w", err))
		}
		if limit < 0 {
			errs = append(errs, fmt.Errorf("budget.limits[%s] must be >= 0", domain))
		}
	}

	if c.Session.Inactivity <= 0 {
		errs = append(errs, errors.New("session.inactivity must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool accepts the forms strconv.ParseBool does.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable. Unparseable values fall
// back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "1h") or a bare number
// of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
