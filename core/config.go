package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the scheduler process.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// A YAML file can be layered between defaults and environment with
// WithConfigFile.
type Config struct {
	// Core identification
	Name string `yaml:"name" env:"LABSCHED_NAME"`

	// Scheduler engine configuration
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Experiment executor configuration
	Executor ExecutorConfig `yaml:"executor"`

	// Process monitor configuration
	ProcessMonitor ProcessMonitorConfig `yaml:"process_monitor"`

	// Scheduling store configuration
	Store StoreConfig `yaml:"store"`

	// Vendor (instrument) database configuration
	VendorDB VendorDBConfig `yaml:"vendor_db"`

	// SMTP configuration
	SMTP SMTPConfig `yaml:"smtp"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// SchedulerConfig drives the engine loop.
type SchedulerConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds" env:"LABSCHED_CHECK_INTERVAL_SECONDS" default:"30"`
	StartupDelaySeconds  int `yaml:"startup_delay_seconds" env:"LABSCHED_STARTUP_DELAY_SECONDS" default:"10"`
	MaxConcurrentJobs    int `yaml:"max_concurrent_jobs" env:"LABSCHED_MAX_CONCURRENT_JOBS" default:"1"`
	// AutostartDelaySeconds < 0 disables autostart ("disable" in env).
	AutostartDelaySeconds int `yaml:"autostart_delay_seconds" env:"LABSCHED_AUTOSTART_DELAY_SECONDS" default:"60"`
	// AbortTaxonomy lists error-message substrings classified as an
	// operator-visible abort. Matching is case-insensitive.
	AbortTaxonomy []string `yaml:"abort_taxonomy"`
}

// ExecutorConfig locates the vendor binary and bounds execution.
type ExecutorConfig struct {
	VendorBinPath           string `yaml:"vendor_bin_path" env:"LABSCHED_VENDOR_BIN_PATH"`
	MethodBasePath          string `yaml:"method_base_path" env:"LABSCHED_METHOD_BASE_PATH"`
	ExecutionTimeoutMinutes int    `yaml:"execution_timeout_minutes" env:"LABSCHED_EXECUTION_TIMEOUT_MINUTES" default:"120"`
	RetryDelayBaseSeconds   int    `yaml:"retry_delay_base_seconds" env:"LABSCHED_RETRY_DELAY_BASE_SECONDS" default:"120"`
	MaxRetryAttempts        int    `yaml:"max_retry_attempts" env:"LABSCHED_MAX_RETRY_ATTEMPTS" default:"5"`
}

// ProcessMonitorConfig drives the vendor-process poller.
type ProcessMonitorConfig struct {
	CheckIntervalSeconds int    `yaml:"check_interval_seconds" env:"LABSCHED_PROCMON_INTERVAL_SECONDS" default:"5"`
	ProcessName          string `yaml:"process_name" env:"LABSCHED_PROCMON_PROCESS_NAME" default:"HxRun.exe"`
}

// StoreConfig locates the embedded scheduling store.
type StoreConfig struct {
	Path string `yaml:"path" env:"LABSCHED_STORE_PATH" default:"scheduler.db"`
}

// VendorDBConfig points at the instrument's own database. Empty DSN
// means the adapter degrades to "unknown" answers.
type VendorDBConfig struct {
	DSN                   string `yaml:"dsn" env:"LABSCHED_VENDOR_DB_DSN"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" env:"LABSCHED_VENDOR_DB_TIMEOUT_SECONDS" default:"5"`
}

// SMTPConfig is the bootstrap SMTP configuration. Values stored via the
// API (notification settings) take precedence at send time.
type SMTPConfig struct {
	Host                     string   `yaml:"host" env:"LABSCHED_SMTP_HOST"`
	Port                     int      `yaml:"port" env:"LABSCHED_SMTP_PORT" default:"587"`
	Username                 string   `yaml:"username" env:"LABSCHED_SMTP_USERNAME"`
	PasswordEncrypted        string   `yaml:"password_encrypted" env:"LABSCHED_SMTP_PASSWORD_ENCRYPTED"`
	Sender                   string   `yaml:"sender" env:"LABSCHED_SMTP_SENDER"`
	UseTLS                   bool     `yaml:"use_tls" env:"LABSCHED_SMTP_USE_TLS"`
	UseSSL                   bool     `yaml:"use_ssl" env:"LABSCHED_SMTP_USE_SSL"`
	ManualRecoveryRecipients []string `yaml:"manual_recovery_recipients" env:"LABSCHED_SMTP_RECOVERY_RECIPIENTS"`
}

// LoggingConfig selects level and format for the zap-backed logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LABSCHED_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LABSCHED_LOG_FORMAT" default:"json"`
}

// DefaultAbortTaxonomy is the built-in substring list that classifies
// an execution error as an operator abort. Configurable because the
// vendor's messages are heuristic, not contractual.
var DefaultAbortTaxonomy = []string{
	"abort",
	"aborted",
	"return code 64",
	"user cancelled",
	"hamilton reported last run as aborted",
	"hamilton reported last run as error",
}

// Option is a functional option for NewConfig.
type Option func(*Config) error

// NewConfig creates a configuration with defaults, environment
// overrides, and options applied in that order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Name: "labscheduler",
		Scheduler: SchedulerConfig{
			CheckIntervalSeconds:  30,
			StartupDelaySeconds:   10,
			MaxConcurrentJobs:     1,
			AutostartDelaySeconds: 60,
			AbortTaxonomy:         append([]string(nil), DefaultAbortTaxonomy...),
		},
		Executor: ExecutorConfig{
			ExecutionTimeoutMinutes: 120,
			RetryDelayBaseSeconds:   120,
			MaxRetryAttempts:        5,
		},
		ProcessMonitor: ProcessMonitorConfig{
			CheckIntervalSeconds: 5,
			ProcessName:          "HxRun.exe",
		},
		Store: StoreConfig{Path: "scheduler.db"},
		VendorDB: VendorDBConfig{
			ConnectTimeoutSeconds: 5,
		},
		SMTP: SMTPConfig{Port: 587},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) applyEnvironment() error {
	if v := os.Getenv("LABSCHED_NAME"); v != "" {
		c.Name = v
	}

	// Scheduler settings
	if v := os.Getenv("LABSCHED_CHECK_INTERVAL_SECONDS"); v != "" {
		c.Scheduler.CheckIntervalSeconds = parseInt(v, c.Scheduler.CheckIntervalSeconds)
	}
	if v := os.Getenv("LABSCHED_STARTUP_DELAY_SECONDS"); v != "" {
		c.Scheduler.StartupDelaySeconds = parseInt(v, c.Scheduler.StartupDelaySeconds)
	}
	if v := os.Getenv("LABSCHED_MAX_CONCURRENT_JOBS"); v != "" {
		c.Scheduler.MaxConcurrentJobs = parseInt(v, c.Scheduler.MaxConcurrentJobs)
	}
	if v := os.Getenv("LABSCHED_AUTOSTART_DELAY_SECONDS"); v != "" {
		if strings.EqualFold(v, "disable") {
			c.Scheduler.AutostartDelaySeconds = -1
		} else {
			c.Scheduler.AutostartDelaySeconds = parseInt(v, c.Scheduler.AutostartDelaySeconds)
		}
	}
	if v := os.Getenv("LABSCHED_ABORT_TAXONOMY"); v != "" {
		c.Scheduler.AbortTaxonomy = parseStringList(v)
	}

	// Executor settings
	if v := os.Getenv("LABSCHED_VENDOR_BIN_PATH"); v != "" {
		c.Executor.VendorBinPath = v
	}
	if v := os.Getenv("LABSCHED_METHOD_BASE_PATH"); v != "" {
		c.Executor.MethodBasePath = v
	}
	if v := os.Getenv("LABSCHED_EXECUTION_TIMEOUT_MINUTES"); v != "" {
		c.Executor.ExecutionTimeoutMinutes = parseInt(v, c.Executor.ExecutionTimeoutMinutes)
	}
	if v := os.Getenv("LABSCHED_RETRY_DELAY_BASE_SECONDS"); v != "" {
		c.Executor.RetryDelayBaseSeconds = parseInt(v, c.Executor.RetryDelayBaseSeconds)
	}
	if v := os.Getenv("LABSCHED_MAX_RETRY_ATTEMPTS"); v != "" {
		c.Executor.MaxRetryAttempts = parseInt(v, c.Executor.MaxRetryAttempts)
	}

	// Process monitor settings
	if v := os.Getenv("LABSCHED_PROCMON_INTERVAL_SECONDS"); v != "" {
		c.ProcessMonitor.CheckIntervalSeconds = parseInt(v, c.ProcessMonitor.CheckIntervalSeconds)
	}
	if v := os.Getenv("LABSCHED_PROCMON_PROCESS_NAME"); v != "" {
		c.ProcessMonitor.ProcessName = v
	}

	// Store settings
	if v := os.Getenv("LABSCHED_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// Vendor DB settings
	if v := os.Getenv("LABSCHED_VENDOR_DB_DSN"); v != "" {
		c.VendorDB.DSN = v
	}
	if v := os.Getenv("LABSCHED_VENDOR_DB_TIMEOUT_SECONDS"); v != "" {
		c.VendorDB.ConnectTimeoutSeconds = parseInt(v, c.VendorDB.ConnectTimeoutSeconds)
	}

	// SMTP settings
	if v := os.Getenv("LABSCHED_SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("LABSCHED_SMTP_PORT"); v != "" {
		c.SMTP.Port = parseInt(v, c.SMTP.Port)
	}
	if v := os.Getenv("LABSCHED_SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("LABSCHED_SMTP_PASSWORD_ENCRYPTED"); v != "" {
		c.SMTP.PasswordEncrypted = v
	}
	if v := os.Getenv("LABSCHED_SMTP_SENDER"); v != "" {
		c.SMTP.Sender = v
	}
	if v := os.Getenv("LABSCHED_SMTP_USE_TLS"); v != "" {
		c.SMTP.UseTLS = parseBool(v)
	}
	if v := os.Getenv("LABSCHED_SMTP_USE_SSL"); v != "" {
		c.SMTP.UseSSL = parseBool(v)
	}
	if v := os.Getenv("LABSCHED_SMTP_RECOVERY_RECIPIENTS"); v != "" {
		c.SMTP.ManualRecoveryRecipients = parseStringList(v)
	}

	// Logging settings
	if v := os.Getenv("LABSCHED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LABSCHED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

func (c *Config) validate() error {
	if c.Scheduler.CheckIntervalSeconds <= 0 {
		return ValidationError("scheduler.check_interval_seconds", "must be > 0")
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return ValidationError("scheduler.max_concurrent_jobs", "must be > 0")
	}
	if c.Executor.ExecutionTimeoutMinutes <= 0 {
		return ValidationError("executor.execution_timeout_minutes", "must be > 0")
	}
	if c.ProcessMonitor.CheckIntervalSeconds <= 0 {
		return ValidationError("process_monitor.check_interval_seconds", "must be > 0")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return ValidationError("store.path", "required")
	}
	return nil
}

// WithConfigFile layers a YAML file over the defaults. Environment
// variables still win over file values, so the file is re-applied
// before the environment pass in NewConfig ordering by reading it
// first.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithStorePath overrides the scheduling store location.
func WithStorePath(path string) Option {
	return func(c *Config) error {
		c.Store.Path = path
		return nil
	}
}

// WithVendorBinary overrides the vendor executable location.
func WithVendorBinary(path string) Option {
	return func(c *Config) error {
		c.Executor.VendorBinPath = path
		return nil
	}
}

// WithCheckInterval overrides the engine tick interval.
func WithCheckInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ValidationError("scheduler.check_interval_seconds", "must be > 0")
		}
		c.Scheduler.CheckIntervalSeconds = int(d / time.Second)
		return nil
	}
}

// WithMaxConcurrentJobs overrides the dispatch concurrency ceiling.
func WithMaxConcurrentJobs(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return ValidationError("scheduler.max_concurrent_jobs", "must be > 0")
		}
		c.Scheduler.MaxConcurrentJobs = n
		return nil
	}
}

func parseInt(s string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return fallback
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
