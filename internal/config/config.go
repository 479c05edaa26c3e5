// Package config loads deliverant's runtime configuration from
// environment variables (with struct-tag defaults), following the same
// env-tag/default-tag precedence the rest of the ambient stack uses:
// struct-tag default, overridden by the named environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bundles every tunable named across §4 and §6.
type Config struct {
	HTTPAddr string `env:"DELIVERANT_HTTP_ADDR" default:":8080" yaml:"http_addr"`

	MaxPayloadSize            int `env:"MAX_PAYLOAD_SIZE" default:"262144" yaml:"max_payload_size"`
	MaxAttempts               int `env:"MAX_ATTEMPTS" default:"12" yaml:"max_attempts"`
	MaxDeliveryTTLHours       int `env:"MAX_DELIVERY_TTL_HOURS" default:"24" yaml:"max_delivery_ttl_hours"`
	LeaseDurationSeconds      int `env:"LEASE_DURATION_SECONDS" default:"60" yaml:"lease_duration_seconds"`
	LeaseRecoveryDelaySeconds int `env:"LEASE_RECOVERY_DELAY_SECONDS" default:"30" yaml:"lease_recovery_delay_seconds"`
	MaxEndpointConcurrency    int `env:"MAX_ENDPOINT_CONCURRENCY" default:"10" yaml:"max_endpoint_concurrency"`
	DedupWindowHours          int `env:"DEDUP_WINDOW_HOURS" default:"24" yaml:"dedup_window_hours"`
	DefaultAttemptTimeoutSeconds int `env:"DEFAULT_ATTEMPT_TIMEOUT_SECONDS" default:"30" yaml:"default_attempt_timeout_seconds"`
	MaxReplayBatchSize        int `env:"MAX_REPLAY_BATCH_SIZE" default:"50" yaml:"max_replay_batch_size"`

	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" default:"1s" yaml:"scheduler_tick_interval"`
	SchedulerBatchSize    int           `env:"SCHEDULER_BATCH_SIZE" default:"100" yaml:"scheduler_batch_size"`
	RecovererInterval     time.Duration `env:"RECOVERER_INTERVAL" default:"10s" yaml:"recoverer_interval"`
	RecovererBatchSize    int           `env:"RECOVERER_BATCH_SIZE" default:"100" yaml:"recoverer_batch_size"`
	DispatchQueueSize     int           `env:"DISPATCH_QUEUE_SIZE" default:"1000" yaml:"dispatch_queue_size"`

	RedisAddr string `env:"REDIS_ADDR" default:"localhost:6379" yaml:"redis_addr"`

	PostgresDSN string `env:"POSTGRES_DSN" default:"" yaml:"postgres_dsn"`

	LogLevel string `env:"LOG_LEVEL" default:"INFO" yaml:"log_level"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"" yaml:"otlp_endpoint"`
}

// fileOverlay mirrors Config's yaml-tagged fields as pointers so a config
// file can leave fields unset without clobbering earlier layers; only
// fields actually present in the file are applied.
type fileOverlay struct {
	HTTPAddr *string `yaml:"http_addr"`

	MaxPayloadSize                *int `yaml:"max_payload_size"`
	MaxAttempts                   *int `yaml:"max_attempts"`
	MaxDeliveryTTLHours           *int `yaml:"max_delivery_ttl_hours"`
	LeaseDurationSeconds          *int `yaml:"lease_duration_seconds"`
	LeaseRecoveryDelaySeconds     *int `yaml:"lease_recovery_delay_seconds"`
	MaxEndpointConcurrency        *int `yaml:"max_endpoint_concurrency"`
	DedupWindowHours              *int `yaml:"dedup_window_hours"`
	DefaultAttemptTimeoutSeconds  *int `yaml:"default_attempt_timeout_seconds"`
	MaxReplayBatchSize            *int `yaml:"max_replay_batch_size"`

	SchedulerTickInterval *time.Duration `yaml:"scheduler_tick_interval"`
	SchedulerBatchSize    *int           `yaml:"scheduler_batch_size"`
	RecovererInterval     *time.Duration `yaml:"recoverer_interval"`
	RecovererBatchSize    *int           `yaml:"recoverer_batch_size"`
	DispatchQueueSize     *int           `yaml:"dispatch_queue_size"`

	RedisAddr *string `yaml:"redis_addr"`

	PostgresDSN *string `yaml:"postgres_dsn"`

	LogLevel *string `yaml:"log_level"`

	OTLPEndpoint *string `yaml:"otlp_endpoint"`
}

func (o *fileOverlay) apply(cfg *Config) {
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.MaxPayloadSize != nil {
		cfg.MaxPayloadSize = *o.MaxPayloadSize
	}
	if o.MaxAttempts != nil {
		cfg.MaxAttempts = *o.MaxAttempts
	}
	if o.MaxDeliveryTTLHours != nil {
		cfg.MaxDeliveryTTLHours = *o.MaxDeliveryTTLHours
	}
	if o.LeaseDurationSeconds != nil {
		cfg.LeaseDurationSeconds = *o.LeaseDurationSeconds
	}
	if o.LeaseRecoveryDelaySeconds != nil {
		cfg.LeaseRecoveryDelaySeconds = *o.LeaseRecoveryDelaySeconds
	}
	if o.MaxEndpointConcurrency != nil {
		cfg.MaxEndpointConcurrency = *o.MaxEndpointConcurrency
	}
	if o.DedupWindowHours != nil {
		cfg.DedupWindowHours = *o.DedupWindowHours
	}
	if o.DefaultAttemptTimeoutSeconds != nil {
		cfg.DefaultAttemptTimeoutSeconds = *o.DefaultAttemptTimeoutSeconds
	}
	if o.MaxReplayBatchSize != nil {
		cfg.MaxReplayBatchSize = *o.MaxReplayBatchSize
	}
	if o.SchedulerTickInterval != nil {
		cfg.SchedulerTickInterval = *o.SchedulerTickInterval
	}
	if o.SchedulerBatchSize != nil {
		cfg.SchedulerBatchSize = *o.SchedulerBatchSize
	}
	if o.RecovererInterval != nil {
		cfg.RecovererInterval = *o.RecovererInterval
	}
	if o.RecovererBatchSize != nil {
		cfg.RecovererBatchSize = *o.RecovererBatchSize
	}
	if o.DispatchQueueSize != nil {
		cfg.DispatchQueueSize = *o.DispatchQueueSize
	}
	if o.RedisAddr != nil {
		cfg.RedisAddr = *o.RedisAddr
	}
	if o.PostgresDSN != nil {
		cfg.PostgresDSN = *o.PostgresDSN
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.OTLPEndpoint != nil {
		cfg.OTLPEndpoint = *o.OTLPEndpoint
	}
}

// Option mutates a Config after environment loading, for programmatic
// overrides (tests, embedding).
type Option func(*Config)

// Load reads struct-tag defaults, overlays an optional YAML config file
// named by DELIVERANT_CONFIG_FILE, overlays environment variables, then
// applies opts in order. Precedence: defaults < file < environment < opts,
// the same chain as the three-layer precedence used throughout the rest
// of the ambient stack — environment wins over a checked-in file so an
// operator can override a deployed config without editing it.
func Load(opts ...Option) (*Config, error) {
	cfg := &Config{}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if path := os.Getenv("DELIVERANT_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// applyFile overlays a YAML file's set fields onto cfg. A missing file is
// an error (the caller named it explicitly via DELIVERANT_CONFIG_FILE);
// fields the file omits are left untouched.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	overlay.apply(cfg)
	return nil
}

func applyDefaults(cfg *Config) error {
	cfg.HTTPAddr = ":8080"
	cfg.MaxPayloadSize = 262144
	cfg.MaxAttempts = 12
	cfg.MaxDeliveryTTLHours = 24
	cfg.LeaseDurationSeconds = 60
	cfg.LeaseRecoveryDelaySeconds = 30
	cfg.MaxEndpointConcurrency = 10
	cfg.DedupWindowHours = 24
	cfg.DefaultAttemptTimeoutSeconds = 30
	cfg.MaxReplayBatchSize = 50
	cfg.SchedulerTickInterval = time.Second
	cfg.SchedulerBatchSize = 100
	cfg.RecovererInterval = 10 * time.Second
	cfg.RecovererBatchSize = 100
	cfg.DispatchQueueSize = 1000
	cfg.RedisAddr = "localhost:6379"
	cfg.LogLevel = "INFO"
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("DELIVERANT_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if err := intEnv("MAX_PAYLOAD_SIZE", &cfg.MaxPayloadSize); err != nil {
		return err
	}
	if err := intEnv("MAX_ATTEMPTS", &cfg.MaxAttempts); err != nil {
		return err
	}
	if err := intEnv("MAX_DELIVERY_TTL_HOURS", &cfg.MaxDeliveryTTLHours); err != nil {
		return err
	}
	if err := intEnv("LEASE_DURATION_SECONDS", &cfg.LeaseDurationSeconds); err != nil {
		return err
	}
	if err := intEnv("LEASE_RECOVERY_DELAY_SECONDS", &cfg.LeaseRecoveryDelaySeconds); err != nil {
		return err
	}
	if err := intEnv("MAX_ENDPOINT_CONCURRENCY", &cfg.MaxEndpointConcurrency); err != nil {
		return err
	}
	if err := intEnv("DEDUP_WINDOW_HOURS", &cfg.DedupWindowHours); err != nil {
		return err
	}
	if err := intEnv("DEFAULT_ATTEMPT_TIMEOUT_SECONDS", &cfg.DefaultAttemptTimeoutSeconds); err != nil {
		return err
	}
	if err := intEnv("MAX_REPLAY_BATCH_SIZE", &cfg.MaxReplayBatchSize); err != nil {
		return err
	}
	if err := durationEnv("SCHEDULER_TICK_INTERVAL", &cfg.SchedulerTickInterval); err != nil {
		return err
	}
	if err := intEnv("SCHEDULER_BATCH_SIZE", &cfg.SchedulerBatchSize); err != nil {
		return err
	}
	if err := durationEnv("RECOVERER_INTERVAL", &cfg.RecovererInterval); err != nil {
		return err
	}
	if err := intEnv("RECOVERER_BATCH_SIZE", &cfg.RecovererBatchSize); err != nil {
		return err
	}
	if err := intEnv("DISPATCH_QUEUE_SIZE", &cfg.DispatchQueueSize); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := os.LookupEnv("POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
	return nil
}

func intEnv(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = n
	return nil
}

func durationEnv(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = d
	return nil
}

// LeaseDuration, LeaseRecoveryDelay, MaxDeliveryTTL and DedupWindow convert
// the integer settings into time.Durations; cmd/deliverant uses them to
// build internal/statemachine.Params and ingest.Params, so neither of those
// packages imports config.
func (c *Config) LeaseDuration() time.Duration { return time.Duration(c.LeaseDurationSeconds) * time.Second }
func (c *Config) LeaseRecoveryDelay() time.Duration {
	return time.Duration(c.LeaseRecoveryDelaySeconds) * time.Second
}
func (c *Config) MaxDeliveryTTL() time.Duration {
	return time.Duration(c.MaxDeliveryTTLHours) * time.Hour
}
func (c *Config) DedupWindow() time.Duration { return time.Duration(c.DedupWindowHours) * time.Hour }
