package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/DarlingtonDeveloper/actionqueue"
)

// EnvPrefix is the prefix for environment variables that configure the daemon.
const EnvPrefix = "ACTIONQUEUE_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Connectivity sources.
const (
	NetworkStatic = "static"
	NetworkProbe  = "probe"
	NetworkNATS   = "nats"
)

// Config holds all configuration for actionqueued.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Queue     QueueConfig     `koanf:"queue"`
	Retry     RetryConfig     `koanf:"retry"`
	Transport TransportConfig `koanf:"transport"`
	Network   NetworkConfig   `koanf:"network"`
	NATS      NATSConfig      `koanf:"nats"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	DatabaseURL string `koanf:"database_url"`
	Key         string `koanf:"key"`
}

type QueueConfig struct {
	MaxSize        int           `koanf:"max_size"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InterPassDelay time.Duration `koanf:"inter_pass_delay"`
}

// RetryConfig selects a policy preset and overrides its non-zero fields.
type RetryConfig struct {
	Preset         string        `koanf:"preset"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	BackoffFactor  float64       `koanf:"backoff_factor"`
	RetryableCodes []string      `koanf:"retryable_codes"`
}

type TransportConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

type NetworkConfig struct {
	Source        string        `koanf:"source"`
	ProbeURL      string        `koanf:"probe_url"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
}

type NATSConfig struct {
	URL              string `koanf:"url"`
	DeadLetterPrefix string `koanf:"dead_letter_prefix"`
	IngestSubject    string `koanf:"ingest_subject"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.metrics_addr":     ":9090",
		"server.shutdown_timeout": "15s",
		"log.level":               "info",
		"log.format":              "text",
		"storage.driver":          DriverBolt,
		"storage.path":            "./data/actionqueue.db",
		"storage.key":             actionqueue.DefaultStorageKey,
		"queue.max_size":          actionqueue.DefaultMaxQueueSize,
		"queue.max_attempts":      actionqueue.DefaultMaxAttempts,
		"queue.inter_pass_delay":  actionqueue.DefaultInterPassDelay.String(),
		"retry.preset":            "network",
		"transport.timeout":       "15s",
		"transport.rate_limit":    0,
		"transport.burst":         1,
		"network.source":          NetworkStatic,
		"network.probe_interval":  "10s",
		"nats.dead_letter_prefix": actionqueue.DefaultSubjectPrefix,
		"nats.ingest_subject":     actionqueue.DefaultIngestSubject,
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// environment variables, in increasing priority.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("access config file %s: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// ACTIONQUEUE_QUEUE_MAX_SIZE -> queue.max_size: the first underscore
	// separates the section, the rest belong to the key.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           &cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Queue.MaxSize < 1 {
		errs = append(errs, errors.New("queue.max_size must be at least 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.InterPassDelay <= 0 {
		errs = append(errs, errors.New("queue.inter_pass_delay must be positive"))
	}

	switch c.Retry.Preset {
	case "default", "network", "payment":
	default:
		errs = append(errs, fmt.Errorf("unknown retry.preset %q", c.Retry.Preset))
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.BaseDelay > 0 && c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.base_delay must not exceed retry.max_delay"))
	}

	if c.Transport.RateLimit < 0 {
		errs = append(errs, errors.New("transport.rate_limit must not be negative"))
	}

	switch c.Network.Source {
	case NetworkStatic:
	case NetworkProbe:
		if c.Network.ProbeURL == "" {
			errs = append(errs, errors.New("network.probe_url is required for source probe"))
		}
		if c.Network.ProbeInterval <= 0 {
			errs = append(errs, errors.New("network.probe_interval must be positive"))
		}
	case NetworkNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for network source nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown network.source %q", c.Network.Source))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Policy builds the retry policy from the preset and overrides. Retries
// are counted in the retry metric.
func (c RetryConfig) Policy() actionqueue.Policy {
	var p actionqueue.Policy
	switch c.Preset {
	case "payment":
		p = actionqueue.PaymentPolicy()
	case "default":
		p = actionqueue.DefaultPolicy()
	default:
		p = actionqueue.NetworkPolicy()
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.BackoffFactor >= 1 {
		p.BackoffFactor = c.BackoffFactor
	}
	if len(c.RetryableCodes) > 0 {
		p.RetryableCodes = c.RetryableCodes
		if c.Preset == "payment" {
			p.ShouldRetry = actionqueue.PaymentRetryable(c.RetryableCodes)
		}
	}
	p.OnRetry = actionqueue.CountRetry
	return p
}
