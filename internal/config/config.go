// Package config loads the reporting pipeline configuration from a
// YAML file, environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SuspendReporting names a condition under which flushes are skipped.
type SuspendReporting string

const (
	SuspendOnCellular   SuspendReporting = "cellular"
	SuspendOnLowBattery SuspendReporting = "low_battery"
)

// Storage backends for the durable queue.
const (
	StorageSQLite  = "sqlite"
	StorageJournal = "journal"
)

// DefaultReportingURL is the collector endpoint used when none is
// configured.
const DefaultReportingURL = "http://localhost:8080/mobile"

// RetryConfig enables re-flushing after transport failures or invalid
// responses with exponential backoff. When disabled, failed beacons
// wait for the next submit or connectivity change.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsedTime stops retrying after this long; zero retries
	// forever.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is consumed read-only by the pipeline.
type Config struct {
	Key                         string             `yaml:"key"`
	ReportingURL                string             `yaml:"reporting_url"`
	TransmissionDelay           time.Duration      `yaml:"transmission_delay"`
	TransmissionLowBatteryDelay time.Duration      `yaml:"transmission_low_battery_delay"`
	GzipReport                  bool               `yaml:"gzip_report"`
	SuspendReporting            []SuspendReporting `yaml:"suspend_reporting"`
	Retry                       RetryConfig        `yaml:"retry"`
	DataDir                     string             `yaml:"data_dir"`
	Storage                     string             `yaml:"storage"`
	Log                         LogConfig          `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	dataDir := ".beacon"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".beacon")
	}
	return Config{
		ReportingURL:                DefaultReportingURL,
		TransmissionDelay:           time.Second,
		TransmissionLowBatteryDelay: 10 * time.Second,
		GzipReport:                  true,
		Retry: RetryConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
		},
		DataDir: dataDir,
		Storage: StorageSQLite,
		Log: LogConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
	}
}

// Suspends reports whether reason is configured.
func (c Config) Suspends(reason SuspendReporting) bool {
	for _, r := range c.SuspendReporting {
		if r == reason {
			return true
		}
	}
	return false
}

// Load reads path over the defaults (a missing file is not an error
// when path is empty or does not exist), applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Key = getEnv("BEACON_KEY", c.Key)
	c.ReportingURL = getEnv("BEACON_REPORTING_URL", c.ReportingURL)
	c.DataDir = getEnv("BEACON_DATA_DIR", c.DataDir)
	c.Storage = getEnv("BEACON_STORAGE", c.Storage)
	c.Log.Level = getEnv("BEACON_LOG_LEVEL", c.Log.Level)

	if raw := os.Getenv("BEACON_GZIP"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid BEACON_GZIP %q: %w", raw, err)
		}
		c.GzipReport = enabled
	}
	if raw := os.Getenv("BEACON_TRANSMISSION_DELAY"); raw != "" {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid BEACON_TRANSMISSION_DELAY %q: %w", raw, err)
		}
		c.TransmissionDelay = delay
	}
	if raw := os.Getenv("BEACON_SUSPEND_REPORTING"); raw != "" {
		c.SuspendReporting = nil
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				c.SuspendReporting = append(c.SuspendReporting, SuspendReporting(part))
			}
		}
	}
	return nil
}

// Validate checks the configuration. An empty key is accepted; the
// reporter refuses to send without one.
func (c Config) Validate() error {
	u, err := url.Parse(c.ReportingURL)
	if err != nil {
		return fmt.Errorf("invalid reporting_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("reporting_url must use http or https, got %q", c.ReportingURL)
	}
	if u.Host == "" {
		return fmt.Errorf("reporting_url must have a host, got %q", c.ReportingURL)
	}
	if c.TransmissionDelay < 0 || c.TransmissionLowBatteryDelay < 0 {
		return errors.New("transmission delays must not be negative")
	}
	for _, r := range c.SuspendReporting {
		if r != SuspendOnCellular && r != SuspendOnLowBattery {
			return fmt.Errorf("unknown suspend_reporting value %q", r)
		}
	}
	if c.Storage != StorageSQLite && c.Storage != StorageJournal {
		return fmt.Errorf("unknown storage %q (want %s or %s)", c.Storage, StorageSQLite, StorageJournal)
	}
	if c.Retry.Enabled && c.Retry.InitialInterval <= 0 {
		return errors.New("retry.initial_interval must be positive when retry is enabled")
	}
	return nil
}

// getEnv gets environment variable with a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
