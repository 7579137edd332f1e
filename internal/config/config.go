// Package config loads service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreFile     = "file"
	StorePostgres = "postgres"

	minIntervalSeconds = 2
	maxIntervalSeconds = 300
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	IntervalSeconds int   `yaml:"interval_seconds"`
	Probe           Probe `yaml:"probe"`
	Store           Store `yaml:"store"`
}

type Probe struct {
	Method      string `yaml:"method"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxParallel int    `yaml:"max_parallel"`
	DNSServer   string `yaml:"dns_server"`
	TCPPort     uint16 `yaml:"tcp_port"`
	SNMP        SNMP   `yaml:"snmp"`
}

type SNMP struct {
	Community string `yaml:"community"`
	Version   string `yaml:"version"`
	Port      uint16 `yaml:"port"`
	Retries   int    `yaml:"retries"`
}

type Store struct {
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// DefaultConfig probes every five seconds with one second timeouts and keeps
// the device list in ./config.csv.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8081",
		LogLevel:        "info",
		IntervalSeconds: 5,
		Probe: Probe{
			Method:    "icmp",
			TimeoutMS: 1000,
		},
		Store: Store{
			Kind: StoreFile,
			Path: "config.csv",
		},
	}
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutMS) * time.Millisecond
}

// Load reads path (missing file means defaults), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(cfg.Store.Kind))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("PROBE_METHOD", &cfg.Probe.Method)
	str("DNS_SERVER", &cfg.Probe.DNSServer)
	str("DEVICES_FILE", &cfg.Store.Path)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("STORE_KIND", &cfg.Store.Kind)

	if err := num("PING_INTERVAL_SECONDS", &cfg.IntervalSeconds); err != nil {
		return err
	}
	if err := num("PROBE_TIMEOUT_MS", &cfg.Probe.TimeoutMS); err != nil {
		return err
	}
	if err := num("PROBE_MAX_PARALLEL", &cfg.Probe.MaxParallel); err != nil {
		return err
	}

	// A database URL without an explicit kind selects Postgres.
	if _, ok := lookup("STORE_KIND"); !ok && cfg.Store.DatabaseURL != "" && cfg.Store.Kind == StoreFile {
		cfg.Store.Kind = StorePostgres
	}
	return nil
}

func (c Config) Validate() error {
	if c.IntervalSeconds < minIntervalSeconds || c.IntervalSeconds > maxIntervalSeconds {
		return fmt.Errorf("interval_seconds must be between %d and %d (got %d)", minIntervalSeconds, maxIntervalSeconds, c.IntervalSeconds)
	}
	if c.Probe.TimeoutMS <= 0 {
		return fmt.Errorf("probe.timeout_ms must be positive (got %d)", c.Probe.TimeoutMS)
	}
	if c.Probe.MaxParallel < 0 {
		return fmt.Errorf("probe.max_parallel must not be negative (got %d)", c.Probe.MaxParallel)
	}
	switch strings.ToLower(c.Store.Kind) {
	case StoreFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the file store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return errors.New("store.database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}
	return nil
}
