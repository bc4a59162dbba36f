// Package config provides configuration loading and validation for the
// queue server, the worker and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads from JSON as a string such as "5s".
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServiceConfig holds the settings shared by serve, worker, migrate and reap.
// Every field may come from a JSON file, the environment or the defaults.
type ServiceConfig struct {
	// Server
	Port         int    `json:"port,omitempty"`
	DatabaseURL  string `json:"database_url,omitempty"`
	BlobDir      string `json:"blob_dir,omitempty"`
	MaxUploadMB  int    `json:"max_upload_mb,omitempty"`
	WorkerAPIKey string `json:"worker_api_key,omitempty"`
	RedisAddr    string `json:"redis_addr,omitempty"`    // empty selects the in-process bus
	RedisChannel string `json:"redis_channel,omitempty"` // pub/sub channel for job events
	AppEnv       string `json:"app_env,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`

	// Worker
	QueueURL        string   `json:"queue_url,omitempty"`
	PollInterval    Duration `json:"poll_interval,omitempty"`
	MaxPollInterval Duration `json:"max_poll_interval,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
	PipelineCommand string   `json:"pipeline_command,omitempty"`
	WorkDir         string   `json:"work_dir,omitempty"`

	// Reaper; zero disables it
	StaleAfter Duration `json:"stale_after,omitempty"`
}

// DefaultServiceConfig returns the built-in defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Port:            8080,
		BlobDir:         filepath.Join("data", "blobs"),
		MaxUploadMB:     500,
		RedisChannel:    "splat-jobs",
		AppEnv:          "production",
		LogLevel:        "info",
		PollInterval:    Duration(5 * time.Second),
		MaxPollInterval: Duration(60 * time.Second),
		Concurrency:     1,
		WorkDir:         "jobs",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*ServiceConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides fields with any set environment variables.
func (c *ServiceConfig) ApplyEnv() error {
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.BlobDir, "SPLAT_BLOB_DIR")
	envString(&c.WorkerAPIKey, "SPLAT_QUEUE_API_KEY")
	envString(&c.RedisAddr, "REDIS_ADDR")
	envString(&c.RedisChannel, "REDIS_CHANNEL")
	envString(&c.AppEnv, "APP_ENV")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.QueueURL, "SPLAT_QUEUE_URL")
	envString(&c.PipelineCommand, "SPLAT_PIPELINE_CMD")
	envString(&c.WorkDir, "SPLAT_JOBS_DIR")

	if err := envInt(&c.Port, "SPLAT_PORT"); err != nil {
		return err
	}
	if err := envInt(&c.MaxUploadMB, "SPLAT_MAX_UPLOAD_MB"); err != nil {
		return err
	}
	if err := envInt(&c.Concurrency, "SPLAT_WORKER_CONCURRENCY"); err != nil {
		return err
	}
	if err := envDuration(&c.PollInterval, "SPLAT_QUEUE_POLL_INTERVAL"); err != nil {
		return err
	}
	return envDuration(&c.StaleAfter, "SPLAT_STALE_AFTER")
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// envDuration accepts a Go duration or a bare number of seconds.
func envDuration(dst *Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

// MergeWithDefaults returns a new ServiceConfig with zero fields filled from
// defaults.
func (c *ServiceConfig) MergeWithDefaults(defaults ServiceConfig) ServiceConfig {
	result := *c

	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.BlobDir == "" {
		result.BlobDir = defaults.BlobDir
	}
	if result.MaxUploadMB == 0 {
		result.MaxUploadMB = defaults.MaxUploadMB
	}
	if result.WorkerAPIKey == "" {
		result.WorkerAPIKey = defaults.WorkerAPIKey
	}
	if result.RedisAddr == "" {
		result.RedisAddr = defaults.RedisAddr
	}
	if result.RedisChannel == "" {
		result.RedisChannel = defaults.RedisChannel
	}
	if result.AppEnv == "" {
		result.AppEnv = defaults.AppEnv
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.QueueURL == "" {
		result.QueueURL = defaults.QueueURL
	}
	if result.PollInterval == 0 {
		result.PollInterval = defaults.PollInterval
	}
	if result.MaxPollInterval == 0 {
		result.MaxPollInterval = defaults.MaxPollInterval
	}
	if result.Concurrency == 0 {
		result.Concurrency = defaults.Concurrency
	}
	if result.PipelineCommand == "" {
		result.PipelineCommand = defaults.PipelineCommand
	}
	if result.WorkDir == "" {
		result.WorkDir = defaults.WorkDir
	}
	if result.StaleAfter == 0 {
		result.StaleAfter = defaults.StaleAfter
	}

	return result
}

// Validate checks that the configuration has valid values.
// Required fields are checked per command by the Require* methods.
func (c *ServiceConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 1 and 65535")
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("config error: 'max_upload_mb' must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config error: 'concurrency' must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config error: 'poll_interval' must be positive")
	}
	if c.MaxPollInterval < c.PollInterval {
		return fmt.Errorf("config error: 'max_poll_interval' must not be less than 'poll_interval'")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("config error: 'stale_after' must be non-negative")
	}
	return nil
}

// RequireDatabase checks the settings every database-backed command needs.
func (c *ServiceConfig) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config error: DATABASE_URL is required")
	}
	return nil
}

// RequireServer checks the settings the serve command needs.
func (c *ServiceConfig) RequireServer() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if c.WorkerAPIKey == "" {
		return fmt.Errorf("config error: SPLAT_QUEUE_API_KEY is required")
	}
	return nil
}

// RequireWorker checks the settings the worker command needs.
func (c *ServiceConfig) RequireWorker() error {
	if c.QueueURL == "" {
		return fmt.Errorf("config error: SPLAT_QUEUE_URL is required")
	}
	if c.WorkerAPIKey == "" {
		return fmt.Errorf("config error: SPLAT_QUEUE_API_KEY is required")
	}
	if c.PipelineCommand == "" {
		return fmt.Errorf("config error: SPLAT_PIPELINE_CMD is required")
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *ServiceConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads the optional file at path, applies the environment and defaults,
// and validates the result.
func Load(path string) (*ServiceConfig, error) {
	cfg := &ServiceConfig{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(DefaultServiceConfig())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}
