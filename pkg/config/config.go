// Package config loads renderd's service configuration.
//
// Values are resolved with the precedence CLI flags > environment variables
// > config file > defaults. The file is YAML and is decoded over
// DefaultConfig, so a file only needs the keys it changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort matches the port the container image exposes.
const DefaultPort = 8000

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`

	// Path of the file the config was loaded from, if any
	FilePath string `yaml:"-" json:"-"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	IntakeRate      float64       `yaml:"intake_rate" json:"intake_rate"` // jobs per second, 0 disables
	IntakeBurst     int           `yaml:"intake_burst" json:"intake_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	MaxInstances           int           `yaml:"max_instances" json:"max_instances"`
	MinInstances           int           `yaml:"min_instances" json:"min_instances"`
	MaxContextsPerInstance int           `yaml:"max_contexts_per_instance" json:"max_contexts_per_instance"`
	MaxInstanceAge         time.Duration `yaml:"max_instance_age" json:"max_instance_age"`
	MaxJobsPerInstance     int           `yaml:"max_jobs_per_instance" json:"max_jobs_per_instance"`
	HealthInterval         time.Duration `yaml:"health_interval" json:"health_interval"`
}

// SchedulerConfig controls admission, deadlines and retries.
type SchedulerConfig struct {
	GlobalConcurrencyCap int           `yaml:"global_concurrency_cap" json:"global_concurrency_cap"`
	DefaultDeadline      time.Duration `yaml:"default_deadline" json:"default_deadline"`
	RetryBudget          int           `yaml:"retry_budget" json:"retry_budget"`
	BackoffBase          time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max" json:"backoff_max"`
	MaxLeaseWait         time.Duration `yaml:"max_lease_wait" json:"max_lease_wait"` // 0 means the remaining deadline
	AbortGrace           time.Duration `yaml:"abort_grace" json:"abort_grace"`
}

// BrowserConfig configures the launched Chromium processes and target policy.
type BrowserConfig struct {
	Headless       bool     `yaml:"headless" json:"headless"`
	Args           []string `yaml:"args" json:"args"`
	SkipInstall    bool     `yaml:"skip_install" json:"skip_install"`
	AllowedHosts   []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	DeniedHosts    []string `yaml:"denied_hosts" json:"denied_hosts"`
	AllowPrivateIP bool     `yaml:"allow_private_ip" json:"allow_private_ip"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir" json:"dir"`     // empty logs to stderr
}

// TracingConfig enables OpenTelemetry span export to stdout.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			MaxBodyBytes:    10 << 20,
			IntakeBurst:     10,
			ShutdownTimeout: 30 * time.Second,
		},
		Pool: PoolConfig{
			MaxInstances:           2,
			MinInstances:           1,
			MaxContextsPerInstance: 4,
			MaxInstanceAge:         30 * time.Minute,
			MaxJobsPerInstance:     500,
			HealthInterval:         5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			GlobalConcurrencyCap: 8,
			DefaultDeadline:      30 * time.Second,
			RetryBudget:          2,
			BackoffBase:          200 * time.Millisecond,
			BackoffMax:           5 * time.Second,
			AbortGrace:           2 * time.Second,
		},
		Browser: BrowserConfig{
			Headless: true,
			Args:     []string{"--disable-dev-shm-usage"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			ServiceName: "renderd",
		},
	}
}

// LoadFile decodes a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.FilePath = path
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. PORT is honored
// unprefixed since container platforms set it; everything else is RENDERD_*.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	var errs []string
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	setList := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			var items []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*dst = items
		}
	}

	setInt("PORT", &c.Server.Port)
	setInt("RENDERD_PORT", &c.Server.Port)
	setInt("RENDERD_MAX_INSTANCES", &c.Pool.MaxInstances)
	setInt("RENDERD_MIN_INSTANCES", &c.Pool.MinInstances)
	setInt("RENDERD_MAX_CONTEXTS_PER_INSTANCE", &c.Pool.MaxContextsPerInstance)
	setInt("RENDERD_MAX_JOBS_PER_INSTANCE", &c.Pool.MaxJobsPerInstance)
	setDuration("RENDERD_MAX_INSTANCE_AGE", &c.Pool.MaxInstanceAge)
	setInt("RENDERD_GLOBAL_CONCURRENCY_CAP", &c.Scheduler.GlobalConcurrencyCap)
	setDuration("RENDERD_DEFAULT_DEADLINE", &c.Scheduler.DefaultDeadline)
	setInt("RENDERD_RETRY_BUDGET", &c.Scheduler.RetryBudget)
	setDuration("RENDERD_MAX_LEASE_WAIT", &c.Scheduler.MaxLeaseWait)
	setBool("RENDERD_HEADLESS", &c.Browser.Headless)
	setList("RENDERD_ALLOWED_HOSTS", &c.Browser.AllowedHosts)
	setList("RENDERD_DENIED_HOSTS", &c.Browser.DeniedHosts)
	setBool("RENDERD_TRACING", &c.Tracing.Enabled)
	if v := strings.TrimSpace(getenv("RENDERD_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("RENDERD_LOG_DIR")); v != "" {
		c.Logging.Dir = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.Server.IntakeRate < 0 {
		return fmt.Errorf("intake_rate cannot be negative")
	}
	if c.Server.IntakeRate > 0 && c.Server.IntakeBurst <= 0 {
		return fmt.Errorf("intake_burst must be positive when intake_rate is set")
	}

	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive")
	}
	if c.Pool.MaxContextsPerInstance <= 0 {
		return fmt.Errorf("max_contexts_per_instance must be positive")
	}
	if c.Pool.MinInstances < 0 || c.Pool.MinInstances > c.Pool.MaxInstances {
		return fmt.Errorf("min_instances must be between 0 and max_instances (%d)", c.Pool.MaxInstances)
	}
	if c.Pool.MaxJobsPerInstance < 0 {
		return fmt.Errorf("max_jobs_per_instance cannot be negative")
	}
	if c.Pool.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}

	if c.Scheduler.GlobalConcurrencyCap <= 0 {
		return fmt.Errorf("global_concurrency_cap must be positive")
	}
	if c.Scheduler.DefaultDeadline <= 0 {
		return fmt.Errorf("default_deadline must be positive")
	}
	if c.Scheduler.RetryBudget < 0 {
		return fmt.Errorf("retry_budget cannot be negative")
	}
	if c.Scheduler.BackoffBase <= 0 || c.Scheduler.BackoffMax < c.Scheduler.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and not exceed backoff_max")
	}
	if c.Scheduler.MaxLeaseWait < 0 {
		return fmt.Errorf("max_lease_wait cannot be negative")
	}
	if c.Scheduler.AbortGrace <= 0 {
		return fmt.Errorf("abort_grace must be positive")
	}
	return nil
}

// Capacity returns the maximum number of simultaneously leased contexts.
func (c *Config) Capacity() int {
	return c.Pool.MaxInstances * c.Pool.MaxContextsPerInstance
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
