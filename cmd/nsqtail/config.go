package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitalvas/nsq"
	"gopkg.in/yaml.v3"
)

// Config is the nsqtail configuration file.
type Config struct {
	Nsqd        []string      `yaml:"nsqd"`
	Lookupd     []string      `yaml:"lookupd"`
	Topic       string        `yaml:"topic"`
	Channel     string        `yaml:"channel"`
	MaxInFlight int           `yaml:"max_in_flight"`
	MaxMessages int           `yaml:"max_messages"`
	Backoff     BackoffConfig `yaml:"backoff"`
	Logging     LoggingConfig `yaml:"logging"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// BackoffConfig controls the reconnect delay.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TracingConfig controls handler tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaultConfig() *Config {
	return &Config{
		MaxInFlight: 200,
		Backoff: BackoffConfig{
			Base: 100 * time.Millisecond,
			Max:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadConfig reads path (if set) over the defaults and applies environment overrides.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies NSQTAIL_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NSQTAIL_NSQD"); v != "" {
		cfg.Nsqd = splitList(v)
	}
	if v := os.Getenv("NSQTAIL_LOOKUPD"); v != "" {
		cfg.Lookupd = splitList(v)
	}
	if v := os.Getenv("NSQTAIL_TOPIC"); v != "" {
		cfg.Topic = v
	}
	if v := os.Getenv("NSQTAIL_CHANNEL"); v != "" {
		cfg.Channel = v
	}
	if v := os.Getenv("NSQTAIL_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv("NSQTAIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NSQTAIL_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ephemeralChannel returns a channel name that nsqd removes once nsqtail disconnects.
func ephemeralChannel() string {
	return "tail-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "#ephemeral"
}

// Validate checks the configuration and fills the ephemeral channel when none is set.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Nsqd) == 0 && len(c.Lookupd) == 0 {
		errs = append(errs, "at least one of nsqd or lookupd is required")
	}
	for _, addr := range c.Nsqd {
		if _, err := nsq.ParseEndpoint(addr); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Channel == "" {
		c.Channel = ephemeralChannel()
	}
	if err := nsq.Topic(c.Topic).Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := nsq.Channel(c.Channel).Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.MaxInFlight < 0 {
		errs = append(errs, "max_in_flight must not be negative")
	}
	if c.MaxMessages < 0 {
		errs = append(errs, "max_messages must not be negative")
	}
	if c.Backoff.Max > 0 && c.Backoff.Base > c.Backoff.Max {
		errs = append(errs, "backoff.base must not exceed backoff.max")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown logging.format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
