// Package config provides configuration management for responseforge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all responseforge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Execution ExecutionConfig `yaml:"execution"`
	Audit     AuditConfig     `yaml:"audit"`
	Executors ExecutorsConfig `yaml:"executors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustProxyHeaders keys clients by X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// EngineConfig holds planner and policy settings.
type EngineConfig struct {
	Environment   string `yaml:"environment"`
	PolicyPath    string `yaml:"policy_path"`
	PlaybooksPath string `yaml:"playbooks_path"`
	PlanCacheSize int    `yaml:"plan_cache_size"`
}

// ExecutionConfig holds defaults for execution runs.
type ExecutionConfig struct {
	DryRun        bool          `yaml:"dry_run"`
	StopOnFailure bool          `yaml:"stop_on_failure"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	SQLitePath string       `yaml:"sqlite_path"`
	Splunk     SplunkConfig `yaml:"splunk"`
}

// SplunkConfig holds Splunk HEC settings for audit forwarding.
type SplunkConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	QueueSize  int           `yaml:"queue_size"`
}

// ExecutorsConfig selects and configures the remediation backends.
type ExecutorsConfig struct {
	Redis      RedisExecutorConfig      `yaml:"redis"`
	AWS        AWSExecutorConfig        `yaml:"aws"`
	Kubernetes KubernetesExecutorConfig `yaml:"kubernetes"`
}

// RedisExecutorConfig configures notify and open_ticket.
type RedisExecutorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NotifyChannel string `yaml:"notify_channel"`
	TicketStream  string `yaml:"ticket_stream"`
	StreamMaxLen  int64  `yaml:"stream_max_len"`
}

// AWSExecutorConfig configures IP blocking and IAM containment.
type AWSExecutorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	NetworkACLID   string `yaml:"network_acl_id"`
	RuleNumberBase int32  `yaml:"rule_number_base"`
	RuleNumberSpan int32  `yaml:"rule_number_span"`
}

// KubernetesExecutorConfig configures node isolation.
type KubernetesExecutorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Kubeconfig string `yaml:"kubeconfig"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets the deployment environment override the configured one.
func (c *Config) ApplyEnv() {
	if env := os.Getenv("RESPONSEFORGE_ENVIRONMENT"); env != "" {
		c.Engine.Environment = env
	}
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Audit.Splunk.Enabled && c.Audit.Splunk.HECURL == "" {
		return fmt.Errorf("audit.splunk.hec_url is required when splunk audit is enabled")
	}
	if c.Executors.AWS.Enabled && c.Executors.AWS.NetworkACLID == "" {
		return fmt.Errorf("executors.aws.network_acl_id is required when the aws executor is enabled")
	}
	if c.Executors.Redis.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("executors.redis requires redis.enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit requires positive requests and window")
	}
	if c.RateLimit.Enabled && c.RateLimit.Window/time.Duration(c.RateLimit.Requests) <= 0 {
		return fmt.Errorf("rate_limit window %s is too short for %d requests", c.RateLimit.Window, c.RateLimit.Requests)
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "RESPONSEFORGE_REDIS_PASSWORD",
			PoolSize:    10,
		},
		Engine: EngineConfig{
			Environment:   "dev",
			PlanCacheSize: 256,
		},
		Execution: ExecutionConfig{
			DryRun:        true,
			StopOnFailure: true,
			ActionTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Splunk: SplunkConfig{
				TokenEnv:   "RESPONSEFORGE_HEC_TOKEN",
				Index:      "responseforge_audit",
				SourceType: "responseforge:audit",
				Source:     "responseforge",
				Timeout:    10 * time.Second,
				RetryCount: 2,
				QueueSize:  1024,
			},
		},
		Executors: ExecutorsConfig{
			Redis: RedisExecutorConfig{
				NotifyChannel: "responseforge:notifications",
				TicketStream:  "responseforge:tickets",
				StreamMaxLen:  100000,
			},
			AWS: AWSExecutorConfig{
				Region:         "us-east-1",
				RuleNumberBase: 1000,
				RuleNumberSpan: 20000,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   time.Minute,
			Burst:    20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// EnabledExecutors returns the names of enabled remediation backends.
func (c *Config) EnabledExecutors() []string {
	var executors []string
	if c.Executors.Redis.Enabled {
		executors = append(executors, "redis")
	}
	if c.Executors.AWS.Enabled {
		executors = append(executors, "aws")
	}
	if c.Executors.Kubernetes.Enabled {
		executors = append(executors, "kubernetes")
	}
	return executors
}
