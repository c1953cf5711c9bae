// Package config loads the kiosk configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file, then CLUBFRIDGE_* environment variables. Durations in YAML use Go
// syntax ("10m", "6h").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/clubfridge/kiosk/internal/credential"
	"github.com/clubfridge/kiosk/internal/ledger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLUBFRIDGE_"

// Config is the complete kiosk configuration.
type Config struct {
	// Database is the path of the SQLite file.
	Database string `yaml:"database"`

	// ClubID selects the club sales are recorded for. Zero means the only
	// configured club.
	ClubID int `yaml:"club_id"`

	// Offline disables remote sync and catalog refresh.
	Offline bool `yaml:"offline"`

	// Timezone is the IANA zone used for price validity and booking dates.
	// Empty means the system zone.
	Timezone string `yaml:"timezone"`

	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Catalog CatalogConfig `yaml:"catalog"`
	Log     LogConfig     `yaml:"log"`

	// Credentials seed the store on start. Existing credentials for the
	// same club are replaced.
	Credentials []CredentialConfig `yaml:"credentials,omitempty"`
}

// RemoteConfig locates the accounting service.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	AuthRetryBase  time.Duration `yaml:"auth_retry_base"`
	AuthRetryMax   time.Duration `yaml:"auth_retry_max"`
	EscalateAfter  int           `yaml:"escalate_after"`
}

// CatalogConfig tunes the catalog refresher.
type CatalogConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 6h".
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`

	// Dir receives one log file per day. Empty disables file logging.
	Dir string `yaml:"dir"`

	// Retention is the number of daily files kept. Zero keeps all.
	Retention int `yaml:"retention"`
}

// CredentialConfig is a club login in the config file.
type CredentialConfig struct {
	ClubID   int    `yaml:"club_id"`
	AppKey   string `yaml:"app_key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "clubfridge.db",
		Remote: RemoteConfig{
			BaseURL: "https://www.vereinsflieger.de/interface/rest",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:       10 * time.Minute,
			BatchSize:      20,
			RequestTimeout: 30 * time.Second,
			RetryBase:      time.Minute,
			RetryMax:       time.Hour,
			AuthRetryBase:  time.Hour,
			AuthRetryMax:   24 * time.Hour,
			EscalateAfter:  6,
		},
		Catalog: CatalogConfig{
			Schedule: "@every 6h",
			Timeout:  2 * time.Minute,
		},
		Log: LogConfig{
			Level:     "info",
			Retention: 7,
		},
	}
}

// Load builds the configuration from path (skipped when empty), the .env
// file envFile (skipped when empty or missing) and the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		err := godotenv.Load(envFile)
		switch {
		case err == nil:
			slog.Debug("loaded .env file", "path", envFile)
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("no .env file found, using process environment", "path", envFile)
		default:
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// decode parses YAML with strict field checking so typos are reported.
func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// applyEnv overrides fields from CLUBFRIDGE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("DATABASE", &c.Database)
	num("CLUB_ID", &c.ClubID)
	flag("OFFLINE", &c.Offline)
	str("TIMEZONE", &c.Timezone)
	str("REMOTE_URL", &c.Remote.BaseURL)
	dur("REMOTE_TIMEOUT", &c.Remote.Timeout)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	num("SYNC_BATCH_SIZE", &c.Sync.BatchSize)
	str("CATALOG_SCHEDULE", &c.Catalog.Schedule)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_DIR", &c.Log.Dir)
	num("LOG_RETENTION", &c.Log.Retention)

	// A complete credential from the environment is added to the seeds.
	var envCred CredentialConfig
	num("VF_CLUB_ID", &envCred.ClubID)
	str("VF_APP_KEY", &envCred.AppKey)
	str("VF_USERNAME", &envCred.Username)
	str("VF_PASSWORD", &envCred.Password)
	if envCred != (CredentialConfig{}) {
		c.Credentials = append(c.Credentials, envCred)
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for values the kiosk cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.ClubID < 0 {
		errs = append(errs, fmt.Errorf("club_id must not be negative, got %d", c.ClubID))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if !c.Offline && c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required unless offline"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	s := c.Sync
	if s.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at least 1, got %d", s.BatchSize))
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, errors.New("sync.request_timeout must be positive"))
	}
	if s.RetryBase <= 0 || s.RetryMax < s.RetryBase {
		errs = append(errs, errors.New("sync.retry_base must be positive and not above sync.retry_max"))
	}
	if s.AuthRetryBase <= 0 || s.AuthRetryMax < s.AuthRetryBase {
		errs = append(errs, errors.New("sync.auth_retry_base must be positive and not above sync.auth_retry_max"))
	}
	if s.EscalateAfter < 0 {
		errs = append(errs, errors.New("sync.escalate_after must not be negative"))
	}

	if _, err := cron.ParseStandard(c.Catalog.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("catalog.schedule %q: %w", c.Catalog.Schedule, err))
	}
	if c.Catalog.Timeout <= 0 {
		errs = append(errs, errors.New("catalog.timeout must be positive"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Retention < 0 {
		errs = append(errs, errors.New("log.retention must not be negative"))
	}

	seen := make(map[int]bool)
	for i, cc := range c.Credentials {
		if err := credential.Validate(cc.Ledger()); err != nil {
			errs = append(errs, fmt.Errorf("credentials[%d]: %w", i, err))
			continue
		}
		if seen[cc.ClubID] {
			errs = append(errs, fmt.Errorf("credentials[%d]: duplicate club %d", i, cc.ClubID))
		}
		seen[cc.ClubID] = true
	}

	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Ledger converts the config entry to a credential.
func (cc CredentialConfig) Ledger() ledger.Credential {
	return ledger.Credential{
		ClubID:   cc.ClubID,
		AppKey:   cc.AppKey,
		Username: cc.Username,
		Password: cc.Password,
	}
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
	return level, nil
}
